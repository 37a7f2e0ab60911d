package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/model"
	"knowledge-base/collab-ingester/internal/store"
	"knowledge-base/collab-ingester/internal/util"
)

// slackSource polls conversations.history for a set of channels and reports
// messages plus their file attachments as items.
//
// conversations.history is a windowed feed, not a full listing: anything
// older than the watermark of the first poll is invisible to the diff, so
// boundary loss across the window edge is possible. The startup backlog scan
// covers the recent edge; older history is out of scope.
type slackSource struct {
	cfg     config.SlackConfig
	client  *http.Client
	limiter *rate.Limiter

	botID     string
	oldest    string // watermark: newest message ts already listed
	persisted string // last watermark written to the state file
}

func NewSlackSource(cfg config.SlackConfig) *slackSource {
	to := util.DefaultDur(cfg.HTTP.Timeout, 15*time.Second)
	s := &slackSource{cfg: cfg, client: util.NewHTTPClient(to)}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.StatePath != "" {
		if c, err := store.LoadCursor(cfg.StatePath); err == nil && c.LastSeen != "" {
			s.oldest = c.LastSeen
			s.persisted = c.LastSeen
		}
	}
	return s
}

func (s *slackSource) Name() string { return "slack" }

func (s *slackSource) base() string {
	b := strings.TrimRight(s.cfg.BaseURL, "/")
	if b == "" {
		b = "https://slack.com/api"
	}
	return b
}

// Identity resolves the bot user id via auth.test. Called once at startup;
// a failure here is an authentication failure and is allowed to be fatal.
func (s *slackSource) Identity(ctx context.Context) (string, error) {
	if s.botID != "" {
		return s.botID, nil
	}
	var out struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		UserID string `json:"user_id"`
	}
	if err := s.getJSON(ctx, "auth.test", nil, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", Permanent(fmt.Errorf("slack auth.test: %s", out.Error))
	}
	s.botID = out.UserID
	return s.botID, nil
}

// ListItems walks each configured channel from the current watermark.
func (s *slackSource) ListItems(ctx context.Context) ([]model.Item, error) {
	if _, err := s.Identity(ctx); err != nil {
		return nil, err
	}

	// A watermark is only written once the NEXT listing starts: being
	// listed again means the previous cycle's items were handed off and
	// processed. A crash mid-cycle therefore re-lists those items on
	// restart instead of losing them.
	if s.cfg.StatePath != "" && s.oldest != s.persisted {
		if err := store.SaveCursor(s.cfg.StatePath, store.Cursor{LastSeen: s.oldest}); err != nil {
			log.Printf("slack: save cursor: %v", err)
		} else {
			s.persisted = s.oldest
		}
	}

	var all []model.Item
	latest := s.oldest
	for _, ch := range s.cfg.Channels {
		items, chLatest, err := s.listChannel(ctx, ch, s.oldest, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if chLatest > latest {
			latest = chLatest
		}
	}

	if latest > s.oldest {
		s.oldest = latest
	}
	return all, nil
}

// Backlog returns the most recent limit items per channel regardless of
// the watermark, for the one-shot startup scan. The limit bounds the API
// window itself; pagination stops as soon as it is satisfied.
func (s *slackSource) Backlog(ctx context.Context, limit int) ([]model.Item, error) {
	if _, err := s.Identity(ctx); err != nil {
		return nil, err
	}
	var all []model.Item
	for _, ch := range s.cfg.Channels {
		items, _, err := s.listChannel(ctx, ch, "", limit)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

// listChannel pages conversations.history from oldest. max > 0 caps the
// number of items collected (and the per-page limit) and cuts pagination
// short once reached; 0 means walk the full window.
func (s *slackSource) listChannel(ctx context.Context, channel, oldest string, max int) ([]model.Item, string, error) {
	pageLimit := s.cfg.HistoryLimit
	if pageLimit <= 0 {
		pageLimit = 50
	}
	if max > 0 && max < pageLimit {
		pageLimit = max
	}

	var items []model.Item
	latest := oldest
	cursor := ""
	for {
		params := url.Values{}
		params.Set("channel", channel)
		params.Set("limit", fmt.Sprint(pageLimit))
		if oldest != "" {
			params.Set("oldest", oldest)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var out struct {
			OK       bool             `json:"ok"`
			Error    string           `json:"error"`
			Messages []map[string]any `json:"messages"`
			HasMore  bool             `json:"has_more"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := s.getJSON(ctx, "conversations.history", params, &out); err != nil {
			return nil, "", err
		}
		if !out.OK {
			return nil, "", apiErr("slack conversations.history", out.Error)
		}

		for _, m := range out.Messages {
			ts := pickStr(m, "ts")
			if ts > latest {
				latest = ts
			}
			if pickStr(m, "user") == s.botID {
				continue
			}
			items = append(items, s.mapMessage(channel, m)...)
		}

		if max > 0 && len(items) >= max {
			items = items[:max]
			break
		}
		cursor = out.Metadata.NextCursor
		if !out.HasMore || cursor == "" {
			break
		}
	}
	return items, latest, nil
}

// mapMessage turns one history entry into a message item plus one file item
// per attachment.
func (s *slackSource) mapMessage(channel string, m map[string]any) []model.Item {
	ts := pickStr(m, "ts")
	text := pickStr(m, "text")
	created, err := parseTimeFlexible(ts)
	if err != nil {
		created = time.Now().UTC()
	}

	out := []model.Item{{
		ID:        channel + "." + ts,
		Source:    s.Name(),
		Kind:      model.KindMessage,
		Text:      text,
		CreatedAt: created,
	}}

	files, _ := m["files"].([]any)
	for _, f := range files {
		fm, ok := f.(map[string]any)
		if !ok {
			continue
		}
		ref := pickStr(fm, "url_private_download", "url_private")
		size := pickInt64(fm, "size")
		if size == 0 {
			size = model.SizeUnknown
		}
		out = append(out, model.Item{
			ID:        pickStr(fm, "id"),
			Source:    s.Name(),
			Name:      pickStr(fm, "name"),
			Kind:      model.KindFile,
			Size:      size,
			MIMEType:  pickStr(fm, "mimetype"),
			Text:      text,
			Ref:       ref,
			CreatedAt: created,
		})
	}
	return out
}

// Open streams a file attachment; Slack serves private URLs with the same
// bearer token. exportMIME is unused, Slack has no virtual documents.
func (s *slackSource) Open(ctx context.Context, item model.Item, exportMIME string) (io.ReadCloser, error) {
	if item.Ref == "" {
		return nil, Permanent(fmt.Errorf("slack: item %s has no download url", item.ID))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Ref, nil)
	if err != nil {
		return nil, err
	}
	s.authorize(req)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusErr("slack download", resp)
	}
	return resp.Body, nil
}

func (s *slackSource) getJSON(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := s.base() + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return util.Retry(ctx, maxAttempts(s.cfg.MaxRetries),
		util.DefaultDur(s.cfg.Backoff, 500*time.Millisecond),
		util.DefaultDur(s.cfg.MaxBackoff, 5*time.Second),
		IsPermanent,
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			s.authorize(req)
			if err := s.wait(ctx); err != nil {
				return err
			}
			resp, err := s.client.Do(req)
			if err != nil {
				return Transient(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode/100 != 2 {
				return statusErr("slack "+method, resp)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
}

func (s *slackSource) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	if ua := s.cfg.HTTP.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
}

func (s *slackSource) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// apiErr maps Slack's in-band error strings onto the retry taxonomy.
func apiErr(api, code string) error {
	err := fmt.Errorf("%s: %s", api, code)
	switch code {
	case "ratelimited", "internal_error", "service_unavailable":
		return Transient(err)
	default:
		return Permanent(err)
	}
}

func maxAttempts(n int) int {
	if n < 1 {
		return 3
	}
	return n
}
