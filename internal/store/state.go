// internal/store/state.go
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Cursor is the tiny per-source poll watermark persisted between runs.
type Cursor struct {
	LastSeen string `json:"last_seen"`
}

func LoadCursor(path string) (Cursor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Cursor{}, err
	}
	var c Cursor
	return c, json.Unmarshal(b, &c)
}

func SaveCursor(path string, c Cursor) error {
	b, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(path))
}
