// Package monitor drives the poll-diff-detect-download-log cycle for one
// source. Each Monitor owns its KnownSet outright; the event log and catalog
// may be shared across monitors because they serialize internally.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"knowledge-base/collab-ingester/internal/download"
	"knowledge-base/collab-ingester/internal/eventlog"
	"knowledge-base/collab-ingester/internal/gate"
	"knowledge-base/collab-ingester/internal/metrics"
	"knowledge-base/collab-ingester/internal/model"
	"knowledge-base/collab-ingester/internal/source"
	"knowledge-base/collab-ingester/internal/store"
	"knowledge-base/collab-ingester/internal/trigger"
)

// reconcileBatch caps how many previously-failed downloads one cycle retries.
const reconcileBatch = 10

// Backlogger is implemented by sources that can serve the one-shot startup
// look-back over recent items.
type Backlogger interface {
	Backlog(ctx context.Context, limit int) ([]model.Item, error)
}

// Config wires a Monitor. Source, Gate, Classifier, Downloader and Log are
// required; Catalog is optional and enables durable seen/downloaded tracking.
type Config struct {
	Source     source.Source
	Gate       *gate.Gate
	Classifier *trigger.Classifier
	Downloader *download.Downloader
	Log        *eventlog.Log
	Catalog    *store.Catalog
	Interval   time.Duration
	Backlog    int // most-recent item count for the startup scan; 0 disables
	Verbose    bool
}

type Monitor struct {
	src        source.Source
	known      *store.KnownSet
	gate       *gate.Gate
	classifier *trigger.Classifier
	dl         *download.Downloader
	log        *eventlog.Log
	catalog    *store.Catalog
	interval   time.Duration
	backlog    int
	verbose    bool
}

func New(cfg Config) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}
	if cfg.Gate == nil || cfg.Classifier == nil || cfg.Downloader == nil || cfg.Log == nil {
		return nil, errors.New("gate, classifier, downloader and event log are required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	return &Monitor{
		src:        cfg.Source,
		known:      store.NewKnownSet(),
		gate:       cfg.Gate,
		classifier: cfg.Classifier,
		dl:         cfg.Downloader,
		log:        cfg.Log,
		catalog:    cfg.Catalog,
		interval:   cfg.Interval,
		backlog:    cfg.Backlog,
		verbose:    cfg.Verbose,
	}, nil
}

// Run performs the startup baseline (and optional backlog scan), then polls
// until ctx is cancelled. Cancellation is observed between steps: an
// in-flight item finishes before the loop exits.
//
// A transient source failure during startup is retried on the normal
// interval; only permanent failures (auth, catalog) terminate.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		err := m.startup(ctx)
		if err == nil {
			break
		}
		if !source.IsTransient(err) {
			return fmt.Errorf("%s: startup: %w", m.src.Name(), err)
		}
		log.Printf("%s: startup: %v (retrying in %s)", m.src.Name(), err, m.interval)
		select {
		case <-ctx.Done():
			log.Printf("%s: stopping: %v", m.src.Name(), ctx.Err())
			return nil
		case <-time.After(m.interval):
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("%s: stopping: %v", m.src.Name(), ctx.Err())
			return nil
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// startup seeds the KnownSet from the catalog (if any) and from one full
// baseline listing. Baseline items are never downloaded; they define the
// starting point, not a backlog to ingest. The explicit backlog scan, when
// configured, runs first so recent attachments still get fetched once.
func (m *Monitor) startup(ctx context.Context) error {
	if m.catalog != nil {
		ids, err := m.catalog.KnownIDs(m.src.Name())
		if err != nil {
			return err
		}
		m.known.Seed(ids)
		if m.verbose {
			log.Printf("%s: resumed %d known item(s) from catalog", m.src.Name(), len(ids))
		}
	}

	if m.backlog > 0 {
		if bl, ok := m.src.(Backlogger); ok {
			items, err := bl.Backlog(ctx, m.backlog)
			if err != nil {
				return err
			}
			m.scanBacklog(ctx, items)
		}
	}

	items, err := m.src.ListItems(ctx)
	if err != nil {
		return err
	}
	seeded := 0
	for _, it := range items {
		if !m.known.Contains(it.ID) {
			m.known.Commit(it.ID)
			m.markSeen(it)
			seeded++
		}
	}
	log.Printf("%s: baseline: %d existing item(s), %d newly seeded", m.src.Name(), m.known.Len(), seeded)
	return nil
}

// scanBacklog downloads eligible attachments from the look-back window. It
// deliberately emits no trigger events: the scan recovers content, it does
// not replay conversations.
func (m *Monitor) scanBacklog(ctx context.Context, items []model.Item) {
	fetched := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if m.known.Contains(it.ID) {
			continue
		}
		if it.Downloadable() {
			rec := m.ingest(ctx, it, false)
			if rec.Outcome == model.OutcomeDownloaded {
				fetched++
			}
		} else {
			m.markSeen(it)
		}
		m.known.Commit(it.ID)
	}
	log.Printf("%s: backlog scan: %d attachment(s) downloaded", m.src.Name(), fetched)
}

// runCycle is one Listing -> Diffing -> Processing pass. Any error is
// logged and the loop simply sleeps until the next tick; committed KnownSet
// entries and appended records are untouched.
func (m *Monitor) runCycle(ctx context.Context) {
	start := time.Now()
	name := m.src.Name()

	items, err := m.src.ListItems(ctx)
	if err != nil {
		log.Printf("%s: list: %v", name, err)
		return
	}

	// Snapshot before processing so failures from this cycle wait until the
	// next one; immediate re-tries would hammer a source that just broke.
	retryIDs := m.failedIDs()

	fresh, known := m.known.Observe(items)
	metrics.ItemsSeen.WithLabelValues(name, "new").Add(float64(len(fresh)))
	metrics.ItemsSeen.WithLabelValues(name, "known").Add(float64(len(known)))
	if m.verbose {
		log.Printf("%s: listed %d item(s), %d new", name, len(items), len(fresh))
	}

	for _, it := range fresh {
		if ctx.Err() != nil {
			return
		}
		m.ingest(ctx, it, true)
		m.known.Commit(it.ID)
	}

	m.reconcile(ctx, items, retryIDs)
	metrics.CycleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// ingest runs one new item through classify -> gate -> fetch and appends the
// resulting record. Every per-item error becomes a recorded outcome; nothing
// escapes to crash the loop.
func (m *Monitor) ingest(ctx context.Context, it model.Item, classify bool) model.LogRecord {
	rec := model.LogRecord{
		ID:         uuid.New().String(),
		Source:     it.Source,
		ItemID:     it.ID,
		ItemName:   it.Name,
		Kind:       it.Kind,
		Text:       it.Text,
		Outcome:    model.OutcomeLogged,
		RecordedAt: time.Now().UTC(),
	}

	if classify {
		if ev := m.classifier.Classify(it.ID, it.Text); ev.Label != model.TriggerNone {
			rec.Trigger = &ev
			metrics.Triggers.WithLabelValues(it.Source, string(ev.Label)).Inc()
			log.Printf("%s: %s trigger: %.80q", it.Source, ev.Label, it.Text)
		}
	}

	m.markSeen(it)

	if it.Downloadable() {
		m.fetch(ctx, it, &rec)
	}

	m.append(rec)
	return rec
}

// fetch applies the gate and, if admitted, streams the content. It fills in
// the record's outcome and download/catalog status.
func (m *Monitor) fetch(ctx context.Context, it model.Item, rec *model.LogRecord) {
	dec := m.gate.Admit(it)
	if !dec.Proceed {
		rec.Outcome = model.OutcomeRejected
		rec.Detail = dec.Reason
		metrics.Downloads.WithLabelValues(it.Source, "rejected").Inc()
		m.markCatalog(func(c *store.Catalog) error {
			return c.MarkRejected(it.Source, it.ID, dec.Reason)
		})
		return
	}

	res, err := m.dl.Fetch(ctx, m.src, it, dec)
	switch {
	case err == nil:
		rec.Outcome = model.OutcomeDownloaded
		rec.Download = &res
		metrics.Downloads.WithLabelValues(it.Source, "done").Inc()
		log.Printf("%s: downloaded %s (%d bytes) -> %s", it.Source, it.Name, res.Bytes, res.SavedPath)
		m.markCatalog(func(c *store.Catalog) error {
			return c.MarkDownloaded(it.Source, it.ID, res.SavedPath, res.Bytes)
		})
	case source.IsPermanent(err):
		// Permanently broken item: record it, keep it known, never retry.
		rec.Outcome = model.OutcomeSkipped
		rec.Detail = err.Error()
		metrics.Downloads.WithLabelValues(it.Source, "skipped").Inc()
		log.Printf("%s: skipping %s: %v", it.Source, it.Name, err)
		m.markCatalog(func(c *store.Catalog) error {
			return c.MarkRejected(it.Source, it.ID, err.Error())
		})
	default:
		rec.Outcome = model.OutcomeFailed
		rec.Detail = err.Error()
		metrics.Downloads.WithLabelValues(it.Source, "failed").Inc()
		log.Printf("%s: download %s: %v", it.Source, it.Name, err)
		m.markCatalog(func(c *store.Catalog) error {
			return c.MarkFailed(it.Source, it.ID, err.Error())
		})
	}
}

// failedIDs returns the catalog's retryable downloads as a set, or nil when
// no catalog is configured.
func (m *Monitor) failedIDs() map[string]bool {
	if m.catalog == nil {
		return nil
	}
	failed, err := m.catalog.FailedIDs(m.src.Name(), reconcileBatch)
	if err != nil {
		log.Printf("%s: failed ids: %v", m.src.Name(), err)
		return nil
	}
	if len(failed) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(failed))
	for _, id := range failed {
		wanted[id] = true
	}
	return wanted
}

// reconcile retries downloads that failed on earlier cycles, for items still
// present in the current listing. Trigger events are not re-emitted; the
// item was already logged when first seen.
func (m *Monitor) reconcile(ctx context.Context, listing []model.Item, wanted map[string]bool) {
	if len(wanted) == 0 {
		return
	}

	for _, it := range listing {
		if ctx.Err() != nil {
			return
		}
		if !wanted[it.ID] || !it.Downloadable() {
			continue
		}
		rec := model.LogRecord{
			ID:         uuid.New().String(),
			Source:     it.Source,
			ItemID:     it.ID,
			ItemName:   it.Name,
			Kind:       it.Kind,
			Outcome:    model.OutcomeLogged,
			RecordedAt: time.Now().UTC(),
		}
		m.fetch(ctx, it, &rec)
		m.append(rec)
	}
}

// append persists one record. A failed append never crashes the loop; it is
// logged and counted so ingestion gaps stay auditable.
func (m *Monitor) append(rec model.LogRecord) {
	if err := m.log.Append(rec); err != nil {
		metrics.DroppedRecords.WithLabelValues(rec.Source).Inc()
		log.Printf("%s: append record %s: %v (dropped=%d)", rec.Source, rec.ItemID, err, m.log.Dropped())
	}
}

func (m *Monitor) markSeen(it model.Item) {
	m.markCatalog(func(c *store.Catalog) error { return c.MarkSeen(it) })
}

func (m *Monitor) markCatalog(fn func(*store.Catalog) error) {
	if m.catalog == nil {
		return
	}
	if err := fn(m.catalog); err != nil {
		log.Printf("%s: catalog: %v", m.src.Name(), err)
	}
}
