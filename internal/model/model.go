package model

import "time"

// Kind says what a source item is and whether it can be fetched.
type Kind string

const (
	// KindMessage is a chat message: classifiable text, nothing to download.
	KindMessage Kind = "message"
	// KindFile is a native binary with a fixed byte stream.
	KindFile Kind = "file"
	// KindDocument is a source-native document that only exists in a
	// concrete format after export (e.g. a cloud word-processor doc).
	KindDocument Kind = "document"
)

// SizeUnknown marks items whose byte size the source does not report.
const SizeUnknown int64 = -1

// Item is the normalized unit reported by all sources.
// Identity is (Source, ID); every other field may change between polls.
type Item struct {
	ID        string // stable unique id for de-dup (from source)
	Source    string // e.g. "slack"
	Name      string
	Kind      Kind
	Subtype   string // document logical subtype, e.g. "spreadsheet"
	Size      int64  // bytes, SizeUnknown if not reported
	MIMEType  string
	Text      string // surrounding message text, for trigger matching
	Ref       string // opaque fetch handle (download URL or file id)
	CreatedAt time.Time
}

// Downloadable reports whether the item carries content worth gating.
func (it Item) Downloadable() bool {
	return it.Kind != KindMessage && it.Ref != ""
}

// Mode tells the downloader how to fetch admitted content.
type Mode string

const (
	ModeNative Mode = "native"
	ModeExport Mode = "export"
)

// Decision is the download gate's verdict for one item.
type Decision struct {
	Proceed  bool
	Mode     Mode
	MIMEType string // export MIME when Mode == ModeExport
	Filename string // resolved output name, extension included
	Reason   string // rejection reason when !Proceed
}

// Rejection reasons, stable strings so records stay auditable.
const (
	ReasonUnsupportedVirtualType = "unsupported-virtual-type"
	ReasonTooLarge               = "too-large"
	ReasonUnsupportedExtension   = "unsupported-extension"
)

// DownloadResult records one completed fetch.
type DownloadResult struct {
	ItemID      string    `json:"item_id"`
	SavedPath   string    `json:"saved_path"`
	Bytes       int64     `json:"bytes"`
	MIMEType    string    `json:"mime_type,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// TriggerLabel classifies why an item warrants special handling.
type TriggerLabel string

const (
	TriggerMention TriggerLabel = "mention"
	TriggerCommand TriggerLabel = "command"
	TriggerKeyword TriggerLabel = "keyword"
	TriggerPattern TriggerLabel = "pattern"
	TriggerNone    TriggerLabel = "none"
)

// TriggerEvent is the classifier output. At most one non-none label per item.
type TriggerEvent struct {
	ItemID      string       `json:"item_id"`
	Label       TriggerLabel `json:"label"`
	MatchedText string       `json:"matched_text,omitempty"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// Outcome is the per-item processing verdict persisted for auditing.
type Outcome string

const (
	OutcomeLogged     Outcome = "logged"     // message recorded, nothing to fetch
	OutcomeDownloaded Outcome = "downloaded" // content fetched and saved
	OutcomeRejected   Outcome = "rejected"   // gate refused the content
	OutcomeFailed     Outcome = "failed"     // fetch attempted and failed
	OutcomeSkipped    Outcome = "skipped"    // permanently broken item, marked known
)

// LogRecord is one append-only entry in the event log.
type LogRecord struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	ItemID     string          `json:"item_id"`
	ItemName   string          `json:"item_name,omitempty"`
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Detail     string          `json:"detail,omitempty"` // rejection reason or failure text
	Download   *DownloadResult `json:"download,omitempty"`
	Trigger    *TriggerEvent   `json:"trigger,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}
