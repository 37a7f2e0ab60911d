// Package download streams admitted content into the local knowledge base.
package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"knowledge-base/collab-ingester/internal/model"
	"knowledge-base/collab-ingester/internal/source"
)

// copyBufSize bounds peak memory per transfer regardless of file size.
const copyBufSize = 32 * 1024

// Downloader owns the target directory. It never retries; retry policy
// lives in the poll loop.
type Downloader struct {
	dir string
	now func() time.Time
}

func New(dir string) *Downloader {
	return &Downloader{dir: dir, now: time.Now}
}

// Fetch streams the item's content to a temp file and renames it into place
// on success, so a truncated file never lands at the final path. The saved
// name is prefixed with the detection timestamp to avoid collisions.
func (d *Downloader) Fetch(ctx context.Context, src source.Source, item model.Item, dec model.Decision) (model.DownloadResult, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return model.DownloadResult{}, fmt.Errorf("create download dir: %w", err)
	}

	rc, err := src.Open(ctx, item, dec.MIMEType)
	if err != nil {
		return model.DownloadResult{}, err
	}
	defer rc.Close()

	final := filepath.Join(d.dir, d.now().UTC().Format("20060102_150405")+"_"+filepath.Base(dec.Filename))
	tmp, err := os.CreateTemp(d.dir, ".partial-*")
	if err != nil {
		return model.DownloadResult{}, fmt.Errorf("create temp file: %w", err)
	}

	buf := make([]byte, copyBufSize)
	n, err := io.CopyBuffer(tmp, rc, buf)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return model.DownloadResult{}, source.Transient(fmt.Errorf("stream %s: %w", item.Name, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return model.DownloadResult{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return model.DownloadResult{}, fmt.Errorf("finalize %s: %w", final, err)
	}

	mime := dec.MIMEType
	if mime == "" {
		mime = item.MIMEType
	}
	return model.DownloadResult{
		ItemID:      item.ID,
		SavedPath:   final,
		Bytes:       n,
		MIMEType:    mime,
		CompletedAt: d.now().UTC(),
	}, nil
}
