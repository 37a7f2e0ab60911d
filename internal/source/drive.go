package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/model"
	"knowledge-base/collab-ingester/internal/util"
)

// Google Workspace files carry this prefix and have no native byte stream;
// the suffix is the document subtype used for export mapping.
const workspaceMIMEPrefix = "application/vnd.google-apps."

// driveSource lists a Drive scope in full on every poll, which is exactly
// the complete-listing contract the dedup diff wants.
type driveSource struct {
	cfg     config.DriveConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewDriveSource(cfg config.DriveConfig) *driveSource {
	to := util.DefaultDur(cfg.HTTP.Timeout, 30*time.Second)
	d := &driveSource{cfg: cfg, client: util.NewHTTPClient(to)}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return d
}

func (d *driveSource) Name() string { return "drive" }

func (d *driveSource) base() string {
	b := strings.TrimRight(d.cfg.BaseURL, "/")
	if b == "" {
		b = "https://www.googleapis.com/drive/v3"
	}
	return b
}

// ListItems pages through files.list until the listing is complete.
func (d *driveSource) ListItems(ctx context.Context) ([]model.Item, error) {
	pageSize := d.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	var all []model.Item
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("pageSize", fmt.Sprint(pageSize))
		params.Set("fields", "nextPageToken, files(id, name, createdTime, mimeType, size)")
		if d.cfg.Folder != "" {
			params.Set("q", fmt.Sprintf("'%s' in parents", d.cfg.Folder))
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var out struct {
			NextPageToken string           `json:"nextPageToken"`
			Files         []map[string]any `json:"files"`
		}
		if err := d.getJSON(ctx, d.base()+"/files?"+params.Encode(), &out); err != nil {
			return nil, err
		}

		for _, f := range out.Files {
			all = append(all, d.mapFile(f))
		}

		pageToken = out.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return all, nil
}

func (d *driveSource) mapFile(f map[string]any) model.Item {
	mime := pickStr(f, "mimeType")
	kind := model.KindFile
	subtype := ""
	if strings.HasPrefix(mime, workspaceMIMEPrefix) {
		kind = model.KindDocument
		subtype = strings.TrimPrefix(mime, workspaceMIMEPrefix)
	}
	size := pickInt64(f, "size")
	if size == 0 && kind == model.KindDocument {
		size = model.SizeUnknown
	}
	created, err := parseTimeFlexible(pickStr(f, "createdTime"))
	if err != nil {
		created = time.Now().UTC()
	}
	return model.Item{
		ID:        pickStr(f, "id"),
		Source:    d.Name(),
		Name:      pickStr(f, "name"),
		Kind:      kind,
		Subtype:   subtype,
		Size:      size,
		MIMEType:  mime,
		Ref:       pickStr(f, "id"),
		CreatedAt: created,
	}
}

// Open streams file content: alt=media for native binaries, the export
// endpoint for workspace documents.
func (d *driveSource) Open(ctx context.Context, item model.Item, exportMIME string) (io.ReadCloser, error) {
	if item.Ref == "" {
		return nil, Permanent(fmt.Errorf("drive: item %s has no file id", item.ID))
	}
	var endpoint string
	if exportMIME != "" {
		endpoint = fmt.Sprintf("%s/files/%s/export?mimeType=%s", d.base(), item.Ref, url.QueryEscape(exportMIME))
	} else {
		endpoint = fmt.Sprintf("%s/files/%s?alt=media", d.base(), item.Ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	d.authorize(req)
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusErr("drive download", resp)
	}
	return resp.Body, nil
}

func (d *driveSource) getJSON(ctx context.Context, endpoint string, out any) error {
	return util.Retry(ctx, maxAttempts(d.cfg.MaxRetries),
		util.DefaultDur(d.cfg.Backoff, 500*time.Millisecond),
		util.DefaultDur(d.cfg.MaxBackoff, 5*time.Second),
		IsPermanent,
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			d.authorize(req)
			if err := d.wait(ctx); err != nil {
				return err
			}
			resp, err := d.client.Do(req)
			if err != nil {
				return Transient(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode/100 != 2 {
				return statusErr("drive files.list", resp)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
}

func (d *driveSource) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	if ua := d.cfg.HTTP.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
}

func (d *driveSource) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}
