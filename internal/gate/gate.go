// Package gate decides, before any network fetch, whether an item's content
// is worth downloading. Filtering up front keeps bandwidth and the local
// store bounded to intended content types.
package gate

import (
	"path/filepath"
	"strings"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/model"
)

// Gate applies the admission policy. Admit is a pure function of
// (kind, size, resolved extension); same input, same decision.
type Gate struct {
	maxBytes int64
	allowed  map[string]bool
	exports  map[string]config.ExportFormat
}

func New(cfg config.DownloadConfig) *Gate {
	allowed := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &Gate{maxBytes: cfg.MaxBytes, allowed: allowed, exports: cfg.Exports}
}

// Admit evaluates the ordered rule set:
//  1. virtual documents resolve through the export mapping or are rejected
//  2. native content over the size ceiling is rejected (ceiling inclusive)
//  3. the resolved output extension must be allow-listed
func (g *Gate) Admit(item model.Item) model.Decision {
	name := item.Name
	mode := model.ModeNative
	exportMIME := ""

	if item.Kind == model.KindDocument {
		ef, ok := g.exports[item.Subtype]
		if !ok {
			return reject(model.ReasonUnsupportedVirtualType)
		}
		mode = model.ModeExport
		exportMIME = ef.MIME
		name += ef.Ext
	} else if item.Size != model.SizeUnknown && item.Size > g.maxBytes {
		return reject(model.ReasonTooLarge)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !g.allowed[ext] {
		return reject(model.ReasonUnsupportedExtension)
	}

	return model.Decision{
		Proceed:  true,
		Mode:     mode,
		MIMEType: exportMIME,
		Filename: name,
	}
}

func reject(reason string) model.Decision {
	return model.Decision{Proceed: false, Reason: reason}
}
