package domain

import (
	"context"
	"time"
)

// ProviderUser identifies the account behind an authorized session.
type ProviderUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName joins the user's name parts for credential metadata.
func (u ProviderUser) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// RawMedia is the provider-side attachment descriptor carried on a raw
// message, prior to download. Zero-valued metadata fields mean the
// provider did not report them.
type RawMedia struct {
	Kind      MediaKind `json:"kind"`
	FileRef   string    `json:"file_ref"`
	MIMEType  string    `json:"mime_type,omitempty"`
	FileName  string    `json:"file_name,omitempty"` // documents only
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Duration  int       `json:"duration,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`

	// Sticker flags; select the file extension on download.
	Animated    bool `json:"animated,omitempty"`
	VideoFormat bool `json:"video_format,omitempty"`
}

// RawMessage is one provider message as fetched, before reconstruction.
// GroupID is non-zero when the message belongs to a multi-item album.
type RawMessage struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	PostedAt  time.Time `json:"posted_at"`
	GroupID   int64     `json:"group_id,omitempty"`
	Media     *RawMedia `json:"media,omitempty"`
}

// Body returns the message text, falling back to the media caption.
func (m RawMessage) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// HistoryQuery bounds a channel history fetch. Results are returned
// newest-first.
type HistoryQuery struct {
	Limit     int       // max messages to return
	UntilDate time.Time // stop at messages older than this; zero = unbounded
	Offset    int       // skip the newest N messages (backfill)
}

// FeedProvider is one authenticated transport connection to the content
// provider on behalf of a single external user identity. Implementations
// are not required to be safe for concurrent use; the owning session
// serializes access.
type FeedProvider interface {
	// Connect opens the transport. Idempotent.
	Connect(ctx context.Context) error
	// Close tears down the transport without touching persisted credentials.
	Close(ctx context.Context) error

	// SendCode requests a one-time login code and returns its opaque hash.
	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	// SignIn exchanges the code for an authorized session. Returns
	// ErrPasswordRequired when the account has two-factor auth enabled.
	SignIn(ctx context.Context, phone, codeHash, code string) (*ProviderUser, error)
	// CheckPassword completes the two-factor exchange.
	CheckPassword(ctx context.Context, password string) (*ProviderUser, error)
	// Me returns the authorized account, or an error if the session is not
	// (or no longer) authorized.
	Me(ctx context.Context) (*ProviderUser, error)

	// ExportSession serializes the provider session for persistence.
	ExportSession(ctx context.Context) ([]byte, error)
	// ImportSession restores a previously exported session blob.
	ImportSession(ctx context.Context, blob []byte) error

	// Dialogs lists the channel-type dialogs visible to the account.
	Dialogs(ctx context.Context) ([]Channel, error)
	// ChannelInfo resolves a single channel. Unknown peers map to
	// ErrChannelUnavailable.
	ChannelInfo(ctx context.Context, channelID string) (*Channel, error)
	// LatestMessage returns the channel's newest message without its
	// history context; the cheap probe. Nil means an empty channel.
	LatestMessage(ctx context.Context, channelID string) (*RawMessage, error)
	// History fetches a bounded window of messages, newest-first.
	History(ctx context.Context, channelID string, q HistoryQuery) ([]RawMessage, error)
	// Messages fetches specific messages by id. Missing ids are omitted.
	Messages(ctx context.Context, channelID string, ids []int64) ([]RawMessage, error)
	// Download streams the referenced file to path.
	Download(ctx context.Context, fileRef, path string) error
}

// FileDownloader streams a provider file reference to a local path.
type FileDownloader interface {
	Download(ctx context.Context, fileRef, path string) error
}

// MediaResolver turns a raw message's attachment into a validated,
// locally stored attachment. A nil result with nil error means the
// message carries no (usable) attachment.
type MediaResolver interface {
	Resolve(ctx context.Context, msg RawMessage) (*MediaAttachment, error)
}

// SessionSealer encrypts session artifacts before they reach durable
// storage, and decrypts them on restore.
type SessionSealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}
