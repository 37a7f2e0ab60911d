package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"knowledge-base/collab-ingester/internal/model"
)

//go:embed schema.sql
var schema string

// Download status values kept in the catalog. "Seen" and "downloaded" are
// deliberately separate bits: an item can be known forever while its
// download status stays failed until a reconciliation pass succeeds.
const (
	StatusNone     = "none"     // nothing to fetch, or no attempt yet
	StatusDone     = "done"     // content saved locally
	StatusFailed   = "failed"   // fetch attempted and failed; retryable
	StatusRejected = "rejected" // gate refused; never retried
)

// Catalog is the durable per-item ledger backing KnownSet across restarts.
type Catalog struct {
	db *sql.DB
}

func OpenCatalog(path string) (*Catalog, error) {
	// Multiple monitors write through one catalog; the busy timeout and the
	// single connection keep concurrent writers from surfacing SQLITE_BUSY.
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// KnownIDs returns every id ever seen for a source, for seeding a KnownSet.
func (c *Catalog) KnownIDs(source string) ([]string, error) {
	rows, err := c.db.Query("SELECT id FROM items WHERE source = ?", source)
	if err != nil {
		return nil, fmt.Errorf("known ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkSeen records the item under StatusNone. Idempotent; an existing row
// (and its download status) is left untouched.
func (c *Catalog) MarkSeen(it model.Item) error {
	now := time.Now().UTC()
	_, err := c.db.Exec(
		`INSERT OR IGNORE INTO items (id, source, name, kind, seen_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Source, it.Name, string(it.Kind), now, StatusNone, now,
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

func (c *Catalog) setStatus(source, id, status, savedPath string, bytes int64, failure string) error {
	_, err := c.db.Exec(
		`UPDATE items SET status = ?, saved_path = ?, bytes = ?, failure = ?, updated_at = ?
		 WHERE source = ? AND id = ?`,
		status, savedPath, bytes, failure, time.Now().UTC(), source, id,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

func (c *Catalog) MarkDownloaded(source, id, savedPath string, bytes int64) error {
	return c.setStatus(source, id, StatusDone, savedPath, bytes, "")
}

func (c *Catalog) MarkFailed(source, id, failure string) error {
	return c.setStatus(source, id, StatusFailed, "", 0, failure)
}

func (c *Catalog) MarkRejected(source, id, reason string) error {
	return c.setStatus(source, id, StatusRejected, "", 0, reason)
}

// FailedIDs lists ids whose last download attempt failed, oldest first,
// bounded by limit. The reconciliation pass retries exactly these.
func (c *Catalog) FailedIDs(source string, limit int) ([]string, error) {
	rows, err := c.db.Query(
		"SELECT id FROM items WHERE source = ? AND status = ? ORDER BY updated_at ASC LIMIT ?",
		source, StatusFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Status returns the download status for one item, or StatusNone when the
// item has never been seen.
func (c *Catalog) Status(source, id string) (string, error) {
	var st string
	err := c.db.QueryRow(
		"SELECT status FROM items WHERE source = ? AND id = ?", source, id,
	).Scan(&st)
	if err == sql.ErrNoRows {
		return StatusNone, nil
	}
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	return st, nil
}
