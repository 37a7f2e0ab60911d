package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingester",
		Name:      "items_seen_total",
		Help:      "Items reported by source listings, by dedup partition",
	}, []string{"source", "partition"})

	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingester",
		Name:      "downloads_total",
		Help:      "Download attempts by outcome (done, failed, rejected)",
	}, []string{"source", "outcome"})

	Triggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingester",
		Name:      "triggers_total",
		Help:      "Trigger classifications by label",
	}, []string{"source", "label"})

	DroppedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingester",
		Name:      "dropped_records_total",
		Help:      "Event log appends that failed to persist",
	}, []string{"source"})

	CycleDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "ingester",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent per poll cycle",
	}, []string{"source"})
)

// Serve exposes /metrics on addr until ctx is cancelled, then shuts the
// listener down gracefully. A listen failure is returned to the caller.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
