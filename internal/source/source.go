package source

import (
	"context"
	"fmt"
	"io"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/model"
)

// Source is the minimal adapter contract every monitored platform implements.
type Source interface {
	Name() string
	// ListItems returns the current item set for the monitored scope.
	// Slack returns a recent-history window (see slack.go for the boundary
	// caveat); Drive returns the complete listing.
	ListItems(ctx context.Context) ([]model.Item, error)
	// Open starts streaming the item's content. exportMIME is non-empty for
	// virtual documents and selects the export format.
	Open(ctx context.Context, item model.Item, exportMIME string) (io.ReadCloser, error)
}

func NewFromConfig(c config.SourceConfig) (Source, error) {
	switch c.Type {
	case "slack":
		return NewSlackSource(c.Slack), nil
	case "drive":
		return NewDriveSource(c.Drive), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", c.Type)
	}
}
