package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/model"
	"knowledge-base/collab-ingester/internal/store"
)

func slackHistory(srv string) string {
	msgs := []map[string]any{
		{"ts": "1700000003.000100", "user": "UBOT", "text": "bot noise"},
		{
			"ts": "1700000002.000100", "user": "U42", "text": "here is a file",
			"files": []map[string]any{{
				"id": "F1", "name": "notes.txt", "size": float64(12),
				"mimetype": "text/plain", "url_private_download": srv + "/files/attachment",
			}},
		},
		{"ts": "1700000001.000100", "user": "U43", "text": "plain message"},
	}
	out, _ := json.Marshal(map[string]any{"ok": true, "messages": msgs, "has_more": false})
	return string(out)
}

func TestSlackListItemsMapsMessagesAndFiles(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"user_id":"UBOT"}`)
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, slackHistory(srv.URL))
	})
	mux.HandleFunc("/files/attachment", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "file bytes")
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlackSource(config.SlackConfig{BaseURL: srv.URL, Token: "xoxb-test", Channels: []string{"C1"}})
	items, err := s.ListItems(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	// Bot's own message skipped; one message + (message + file) remain.
	if len(items) != 3 {
		t.Fatalf("got %d items: %+v", len(items), items)
	}

	var file *model.Item
	msgs := 0
	for i := range items {
		if items[i].Kind == model.KindFile {
			file = &items[i]
		} else {
			msgs++
		}
	}
	if msgs != 2 {
		t.Errorf("got %d message items, want 2", msgs)
	}
	if file == nil {
		t.Fatal("file attachment not mapped")
	}
	if file.ID != "F1" || file.Name != "notes.txt" || file.Size != 12 {
		t.Errorf("file = %+v", file)
	}
	if file.Text != "here is a file" {
		t.Errorf("file should carry the message text, got %q", file.Text)
	}
	if !file.Downloadable() {
		t.Error("file item should be downloadable")
	}

	// Watermark advanced to the newest ts seen (the bot message counts).
	if s.oldest != "1700000003.000100" {
		t.Errorf("watermark = %s", s.oldest)
	}

	// Open streams through the same bearer token.
	rc, err := s.Open(context.Background(), *file, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "file bytes" {
		t.Errorf("content = %q", b)
	}
}

// The backlog look-back must bound the API window itself, not fetch the
// whole history and slice afterwards.
func TestSlackBacklogStopsAtLimit(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"user_id":"UBOT"}`)
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if got := r.URL.Query().Get("limit"); got != "3" {
			t.Errorf("page limit = %s, want 3", got)
		}
		msgs := make([]map[string]any, 3)
		for i := range msgs {
			msgs[i] = map[string]any{
				"ts":   fmt.Sprintf("170000000%d.00010%d", n, i),
				"user": "U42", "text": "older message",
			}
		}
		// The channel always claims more history; a bounded scan must not
		// keep following the cursor.
		out, _ := json.Marshal(map[string]any{
			"ok": true, "messages": msgs, "has_more": true,
			"response_metadata": map[string]any{"next_cursor": fmt.Sprintf("c%d", n)},
		})
		fmt.Fprint(w, string(out))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlackSource(config.SlackConfig{
		BaseURL: srv.URL, Token: "xoxb-test", Channels: []string{"C1"}, HistoryLimit: 50,
	})
	items, err := s.Backlog(context.Background(), 3)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("backlog paged %d times, want 1", got)
	}
}

// The watermark file is written when the NEXT listing starts, never at
// listing time, so items from an unfinished cycle are re-listed after a
// restart instead of being skipped.
func TestSlackCursorPersistedAfterCycleCompletes(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "slack-state.json")

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"user_id":"UBOT"}`)
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, slackHistory(srv.URL))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlackSource(config.SlackConfig{
		BaseURL: srv.URL, Token: "xoxb-test", Channels: []string{"C1"}, StatePath: statePath,
	})

	if _, err := s.ListItems(context.Background()); err != nil {
		t.Fatalf("first list: %v", err)
	}
	if _, err := store.LoadCursor(statePath); err == nil {
		t.Fatal("cursor persisted before the cycle completed")
	}

	if _, err := s.ListItems(context.Background()); err != nil {
		t.Fatalf("second list: %v", err)
	}
	c, err := store.LoadCursor(statePath)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if c.LastSeen != "1700000003.000100" {
		t.Fatalf("persisted watermark = %s", c.LastSeen)
	}
}

func TestSlackIdentityFailureIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"invalid_auth"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	s := NewSlackSource(config.SlackConfig{BaseURL: srv.URL, Token: "wrong", Channels: []string{"C1"}})

	_, err := s.Identity(context.Background())
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if !IsPermanent(err) {
		t.Errorf("auth failure should be permanent, got %v", err)
	}
}

func TestSlackAPIErrTaxonomy(t *testing.T) {
	if err := apiErr("x", "ratelimited"); !IsTransient(err) {
		t.Error("ratelimited should be transient")
	}
	if err := apiErr("x", "channel_not_found"); !IsPermanent(err) {
		t.Error("channel_not_found should be permanent")
	}
}
