package domain

import (
	"context"
	"time"
)

// AuthState is the session state machine's position.
type AuthState string

const (
	AuthStateUnauthenticated  AuthState = "unauthenticated"
	AuthStateCodeRequested    AuthState = "code_requested"
	AuthStatePasswordRequired AuthState = "password_required"
	AuthStateAuthorized       AuthState = "authorized"
)

// SessionCredential is the persisted record of one external user's
// provider session. The Session blob is opaque (and sealed at rest);
// it is created on first successful code/password exchange, refreshed
// on every successful re-auth, and deleted on logout or on detecting an
// unrecoverable session error.
type SessionCredential struct {
	Identity       string    `json:"identity"` // phone-like key
	DisplayName    string    `json:"display_name,omitempty"`
	ProviderUserID int64     `json:"provider_user_id,omitempty"`
	Session        []byte    `json:"-"`
	AuthorizedAt   time.Time `json:"authorized_at"`
	Active         bool      `json:"active"`
}

// ContentStore is the persistence collaborator for channels and content
// units. The engine never assumes exclusive access to the store between
// its own read and write of a cursor; dedup is re-checked at insert time.
type ContentStore interface {
	// ActiveChannels lists the channels currently being watched.
	ActiveChannels(ctx context.Context) ([]Channel, error)
	// LatestContentUnit returns the newest stored unit for a channel, or
	// nil when the channel has no stored content.
	LatestContentUnit(ctx context.Context, channelID string) (*ContentUnit, error)
	// ContentUnitExists reports whether (channelID, messageID) is stored.
	ContentUnitExists(ctx context.Context, channelID string, messageID int64) (bool, error)
	// CountContentUnits returns the number of stored units for a channel.
	CountContentUnits(ctx context.Context, channelID string) (int, error)
	// InsertContentUnit persists a new unit (and its attachment, if any).
	// Inserting an existing (channelID, messageID) returns ErrDuplicate.
	InsertContentUnit(ctx context.Context, unit *ContentUnit) error
	// UpdateAttachment replaces the stored attachment of an existing unit.
	UpdateAttachment(ctx context.Context, channelID string, messageID int64, media *MediaAttachment) error
	// UnitsWithMedia lists every stored unit that references an attachment.
	UnitsWithMedia(ctx context.Context) ([]ContentUnit, error)
}

// CredentialStore is the persistence collaborator for session credentials.
type CredentialStore interface {
	// Credential returns the record for identity, or nil when absent.
	Credential(ctx context.Context, identity string) (*SessionCredential, error)
	// LatestCredential returns the most recently authorized active
	// credential, or nil when none exists.
	LatestCredential(ctx context.Context) (*SessionCredential, error)
	// InactiveCredentials lists credentials flagged inactive.
	InactiveCredentials(ctx context.Context) ([]SessionCredential, error)
	// UpsertCredential creates or refreshes a credential record.
	UpsertCredential(ctx context.Context, cred *SessionCredential) error
	// DeleteCredential removes the record for identity. Deleting an
	// absent identity is not an error.
	DeleteCredential(ctx context.Context, identity string) error
}
