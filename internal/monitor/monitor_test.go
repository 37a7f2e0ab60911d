package monitor

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/download"
	"knowledge-base/collab-ingester/internal/eventlog"
	"knowledge-base/collab-ingester/internal/gate"
	"knowledge-base/collab-ingester/internal/model"
	"knowledge-base/collab-ingester/internal/source"
	"knowledge-base/collab-ingester/internal/store"
	"knowledge-base/collab-ingester/internal/trigger"
)

type fakeSrc struct {
	listing   []model.Item
	backlog   []model.Item
	listErr   error
	transient int32 // listings left to fail with a transient error
	content   string
	openErr   error
	opens     int32
	listings  int32
}

func (f *fakeSrc) Name() string { return "fake" }

func (f *fakeSrc) ListItems(ctx context.Context) ([]model.Item, error) {
	atomic.AddInt32(&f.listings, 1)
	if atomic.AddInt32(&f.transient, -1) >= 0 {
		return nil, source.Transient(errors.New("rate limited"))
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listing, nil
}

func (f *fakeSrc) Backlog(ctx context.Context, limit int) ([]model.Item, error) {
	if len(f.backlog) > limit {
		return f.backlog[:limit], nil
	}
	return f.backlog, nil
}

func (f *fakeSrc) Open(ctx context.Context, item model.Item, exportMIME string) (io.ReadCloser, error) {
	atomic.AddInt32(&f.opens, 1)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(strings.NewReader(f.content)), nil
}

func fileItem(id, name string, size int64, text string) model.Item {
	return model.Item{ID: id, Source: "fake", Name: name, Kind: model.KindFile, Size: size, Ref: "ref-" + id, Text: text}
}

func msgItem(id, text string) model.Item {
	return model.Item{ID: id, Source: "fake", Kind: model.KindMessage, Text: text}
}

func newTestMonitor(t *testing.T, src source.Source, catalog *store.Catalog) (*Monitor, *eventlog.Log) {
	t.Helper()
	dir := t.TempDir()
	classifier, err := trigger.New(config.TriggerConfig{
		Command:  "/aisave",
		Keywords: []string{"important"},
		Patterns: []string{`(?i)\btodo:`},
	}, "U1")
	if err != nil {
		t.Fatal(err)
	}
	logStore := eventlog.New(filepath.Join(dir, "events.json"))
	m, err := New(Config{
		Source: src,
		Gate: gate.New(config.DownloadConfig{
			MaxBytes:   1000,
			Extensions: []string{".txt"},
			Exports:    config.DefaultExports(),
		}),
		Classifier: classifier,
		Downloader: download.New(filepath.Join(dir, "files")),
		Log:        logStore,
		Catalog:    catalog,
		Interval:   time.Minute,
		Backlog:    10,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, logStore
}

func records(t *testing.T, l *eventlog.Log) []model.LogRecord {
	t.Helper()
	st, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	return st.Records
}

func TestBaselineSeedsWithoutDownloading(t *testing.T) {
	src := &fakeSrc{listing: []model.Item{fileItem("f1", "a.txt", 10, ""), msgItem("m1", "hello")}, content: "x"}
	m, logStore := newTestMonitor(t, src, nil)

	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.opens != 0 {
		t.Fatalf("baseline downloaded %d item(s)", src.opens)
	}
	if !m.known.Contains("f1") || !m.known.Contains("m1") {
		t.Fatal("baseline did not seed known set")
	}
	if got := records(t, logStore); len(got) != 0 {
		t.Fatalf("baseline appended %d record(s)", len(got))
	}
}

func TestNewItemIsIngestedOnce(t *testing.T) {
	src := &fakeSrc{content: "data"}
	m, logStore := newTestMonitor(t, src, nil)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.listing = []model.Item{fileItem("f1", "a.txt", 10, "important stuff")}
	m.runCycle(context.Background())

	got := records(t, logStore)
	if len(got) != 1 {
		t.Fatalf("got %d record(s), want 1", len(got))
	}
	rec := got[0]
	if rec.Outcome != model.OutcomeDownloaded || rec.Download == nil {
		t.Fatalf("outcome = %s, download = %v", rec.Outcome, rec.Download)
	}
	if rec.Trigger == nil || rec.Trigger.Label != model.TriggerKeyword {
		t.Fatalf("trigger = %+v, want keyword", rec.Trigger)
	}

	// Idempotence: same listing again yields nothing new.
	m.runCycle(context.Background())
	if got := records(t, logStore); len(got) != 1 {
		t.Fatalf("second poll appended records: %d", len(got))
	}
	if src.opens != 1 {
		t.Fatalf("second poll re-downloaded: opens = %d", src.opens)
	}
}

func TestTransientListingErrorChangesNothing(t *testing.T) {
	src := &fakeSrc{content: "data"}
	m, logStore := newTestMonitor(t, src, nil)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.listing = []model.Item{fileItem("f1", "a.txt", 10, "")}
	m.runCycle(context.Background())
	before := len(records(t, logStore))
	knownBefore := m.known.Len()

	src.listErr = source.Transient(errors.New("rate limited"))
	m.runCycle(context.Background())

	if got := len(records(t, logStore)); got != before {
		t.Fatalf("event log changed: %d -> %d", before, got)
	}
	if m.known.Len() != knownBefore {
		t.Fatalf("known set changed: %d -> %d", knownBefore, m.known.Len())
	}

	// Loop resumes once the source recovers.
	src.listErr = nil
	src.listing = append(src.listing, fileItem("f2", "b.txt", 10, ""))
	m.runCycle(context.Background())
	if got := len(records(t, logStore)); got != before+1 {
		t.Fatalf("loop did not resume: %d record(s)", got)
	}
}

func TestRejectedItemIsRecordedAndNeverFetched(t *testing.T) {
	src := &fakeSrc{listing: nil, content: "data"}
	m, logStore := newTestMonitor(t, src, nil)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.listing = []model.Item{fileItem("big", "big.txt", 2000, "")}
	m.runCycle(context.Background())

	got := records(t, logStore)
	if len(got) != 1 || got[0].Outcome != model.OutcomeRejected || got[0].Detail != model.ReasonTooLarge {
		t.Fatalf("records = %+v", got)
	}
	if src.opens != 0 {
		t.Fatal("gate rejection still fetched content")
	}
}

func TestPermanentItemErrorMarksKnown(t *testing.T) {
	src := &fakeSrc{openErr: source.Permanent(errors.New("not found"))}
	m, logStore := newTestMonitor(t, src, nil)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.listing = []model.Item{fileItem("f1", "a.txt", 10, "")}
	m.runCycle(context.Background())
	m.runCycle(context.Background())

	got := records(t, logStore)
	if len(got) != 1 || got[0].Outcome != model.OutcomeSkipped {
		t.Fatalf("records = %+v", got)
	}
	if src.opens != 1 {
		t.Fatalf("permanently broken item fetched %d times", src.opens)
	}
	if !m.known.Contains("f1") {
		t.Fatal("item not marked known")
	}
}

func TestFailedDownloadStaysKnownWithoutCatalog(t *testing.T) {
	src := &fakeSrc{openErr: source.Transient(errors.New("timeout"))}
	m, logStore := newTestMonitor(t, src, nil)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.listing = []model.Item{fileItem("f1", "a.txt", 10, "")}
	m.runCycle(context.Background())
	src.openErr = nil
	src.content = "late data"
	m.runCycle(context.Background())

	// Without a catalog there is no reconciliation: known-but-not-downloaded.
	got := records(t, logStore)
	if len(got) != 1 || got[0].Outcome != model.OutcomeFailed {
		t.Fatalf("records = %+v", got)
	}
	if src.opens != 1 {
		t.Fatalf("opens = %d, want 1", src.opens)
	}
}

func TestReconcileRetriesOnlyFailedDownloads(t *testing.T) {
	catalog, err := store.OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer catalog.Close()

	src := &fakeSrc{openErr: source.Transient(errors.New("timeout"))}
	m, logStore := newTestMonitor(t, src, catalog)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.listing = []model.Item{fileItem("f1", "a.txt", 10, "important")}
	m.runCycle(context.Background())

	src.openErr = nil
	src.content = "recovered"
	m.runCycle(context.Background())

	got := records(t, logStore)
	if len(got) != 2 {
		t.Fatalf("got %d record(s), want failed + reconciled", len(got))
	}
	if got[0].Outcome != model.OutcomeFailed {
		t.Fatalf("first outcome = %s", got[0].Outcome)
	}
	if got[1].Outcome != model.OutcomeDownloaded {
		t.Fatalf("reconciled outcome = %s", got[1].Outcome)
	}
	// Trigger events are not re-emitted by reconciliation.
	if got[1].Trigger != nil {
		t.Fatal("reconciliation replayed a trigger event")
	}

	st, err := catalog.Status("fake", "f1")
	if err != nil {
		t.Fatal(err)
	}
	if st != store.StatusDone {
		t.Fatalf("catalog status = %s, want %s", st, store.StatusDone)
	}

	// Nothing left to reconcile.
	m.runCycle(context.Background())
	if got := records(t, logStore); len(got) != 2 {
		t.Fatalf("extra records after reconciliation: %d", len(got))
	}
}

func TestBacklogScanDownloadsWithoutTriggers(t *testing.T) {
	src := &fakeSrc{
		backlog: []model.Item{
			fileItem("old1", "old.txt", 10, "important todo: stuff"),
			msgItem("old2", "important"),
		},
		content: "old content",
	}
	m, logStore := newTestMonitor(t, src, nil)
	if err := m.startup(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := records(t, logStore)
	if len(got) != 1 {
		t.Fatalf("got %d record(s), want 1 (attachment only)", len(got))
	}
	if got[0].Outcome != model.OutcomeDownloaded {
		t.Fatalf("outcome = %s", got[0].Outcome)
	}
	if got[0].Trigger != nil {
		t.Fatal("backlog scan emitted a trigger event")
	}
	// Backlog items are known afterwards, so the loop never re-ingests them.
	src.listing = src.backlog
	m.runCycle(context.Background())
	if got := records(t, logStore); len(got) != 1 {
		t.Fatalf("backlog items re-ingested: %d record(s)", len(got))
	}
}

// A transient listing failure during the startup baseline must not end the
// run; the baseline is retried on the normal interval until it succeeds.
func TestStartupRetriesTransientListing(t *testing.T) {
	src := &fakeSrc{
		listing:   []model.Item{fileItem("f1", "a.txt", 10, "")},
		transient: 2,
		content:   "data",
	}
	m, logStore := newTestMonitor(t, src, nil)
	m.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&src.listings) < 3 {
		select {
		case err := <-done:
			t.Fatalf("run exited during startup retries: %v", err)
		case <-deadline:
			t.Fatal("startup never recovered from transient listing errors")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if !m.known.Contains("f1") {
		t.Fatal("baseline did not complete after retries")
	}
	if got := records(t, logStore); len(got) != 0 {
		t.Fatalf("baseline appended %d record(s)", len(got))
	}
}

func TestStartupPermanentFailureIsFatal(t *testing.T) {
	src := &fakeSrc{listErr: source.Permanent(errors.New("invalid_auth"))}
	m, _ := newTestMonitor(t, src, nil)

	err := m.Run(context.Background())
	if err == nil || !source.IsPermanent(err) {
		t.Fatalf("expected permanent startup failure, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSrc{}
	m, _ := newTestMonitor(t, src, nil)
	m.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	if atomic.LoadInt32(&src.listings) == 0 {
		t.Fatal("loop never listed")
	}
}
