package domain

import "time"

// Channel is an external content source being watched. The catalog of
// channels is owned by the persistence collaborator; the engine treats
// it as read-only input.
type Channel struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
	Active   bool   `json:"active"`
}

// MediaKind identifies the kind of attachment on a content unit.
type MediaKind string

const (
	MediaKindPhoto     MediaKind = "photo"
	MediaKindVideo     MediaKind = "video"
	MediaKindAnimation MediaKind = "animation"
	MediaKindVoice     MediaKind = "voice"
	MediaKindAudio     MediaKind = "audio"
	MediaKindDocument  MediaKind = "document"
	MediaKindSticker   MediaKind = "sticker"
)

// AllMediaKinds lists every valid media kind for validation purposes.
var AllMediaKinds = []MediaKind{
	MediaKindPhoto, MediaKindVideo, MediaKindAnimation,
	MediaKindVoice, MediaKindAudio, MediaKindDocument, MediaKindSticker,
}

// MediaAttachment describes a downloaded, validated attachment file.
// An attachment record is only produced when the referenced file exists
// and is non-empty; a failed or empty download yields no attachment at all.
//
// Duration, Width and Height are nil when the provider did not expose
// them; nil means "unknown", which is distinct from zero.
type MediaAttachment struct {
	Kind       MediaKind `json:"kind"`
	StorageURL string    `json:"storage_url"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	Duration   *int      `json:"duration,omitempty"`
	Width      *int      `json:"width,omitempty"`
	Height     *int      `json:"height,omitempty"`
}

// ContentUnit is one logical post reconstructed from a channel's message
// stream. (ChannelID, MessageID) is the dedup key and is unique for the
// life of the store. Units belonging to an album share GroupID, GroupSize
// and Text, and carry 1-based Position in message-id order.
type ContentUnit struct {
	MessageID    int64            `json:"message_id"`
	ChannelID    string           `json:"channel_id"`
	ChannelTitle string           `json:"channel_title,omitempty"`
	Text         string           `json:"text"`
	Media        *MediaAttachment `json:"media,omitempty"`
	PostedAt     time.Time        `json:"posted_at"`
	GroupID      string           `json:"group_id,omitempty"`
	Position     int              `json:"position,omitempty"`
	GroupSize    int              `json:"group_size,omitempty"`
}

// SyncCursor marks the newest already-ingested message for a channel.
// It is derived from the content store at the start of each sync run,
// never independently persisted.
type SyncCursor struct {
	MessageID int64
	PostedAt  time.Time
}

// CursorFrom derives a cursor from the latest stored unit. A nil unit
// yields the zero cursor, which bounds nothing.
func CursorFrom(latest *ContentUnit) SyncCursor {
	if latest == nil {
		return SyncCursor{}
	}
	return SyncCursor{MessageID: latest.MessageID, PostedAt: latest.PostedAt}
}

// SyncStatus is the per-channel outcome of a sync run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)
