package usecase

import (
	"context"
	"log/slog"
	"sync"

	"chansync/internal/domain"
)

// Registry maps external identities to their session state machines.
// Creation is lazy and idempotent: the first request for a new identity
// allocates its session. Sessions are isolated; the only shared state
// between them is the persisted store.
type Registry struct {
	newProvider ProviderFactory
	creds       domain.CredentialStore
	sealer      domain.SessionSealer
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a session registry.
func NewRegistry(factory ProviderFactory, creds domain.CredentialStore, sealer domain.SessionSealer, logger *slog.Logger) *Registry {
	return &Registry{
		newProvider: factory,
		creds:       creds,
		sealer:      sealer,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// Use returns the session for identity, allocating it on first use.
func (r *Registry) Use(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[identity]; ok {
		return s
	}
	s := NewSession(identity, r.newProvider, r.creds, r.sealer, r.logger)
	r.sessions[identity] = s
	return s
}

// SelectActive returns the session of the most recently authorized
// active credential. When no persisted credential exists the call fails
// with ErrAuthRequired: callers that want a specific in-memory session
// must name it via Use.
func (r *Registry) SelectActive(ctx context.Context) (*Session, error) {
	const op = "Registry.SelectActive"

	cred, err := r.creds.LatestCredential(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if cred == nil {
		return nil, domain.NewDomainError(op, domain.ErrAuthRequired, "no active credential")
	}
	return r.Use(cred.Identity), nil
}

// Sessions returns the identities with allocated sessions.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll tears down every session's transport without deleting
// persisted credentials, so a restart resumes without re-authentication.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop(ctx)
	}
	r.logger.Info("all sessions stopped", "count", len(sessions))
}

// CleanupInactive drops the transports and persisted session artifacts
// of credentials flagged inactive. The credential record itself is kept
// (without its artifact) so the identity remains known.
func (r *Registry) CleanupInactive(ctx context.Context) error {
	const op = "Registry.CleanupInactive"

	inactive, err := r.creds.InactiveCredentials(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	for i := range inactive {
		cred := inactive[i]

		r.mu.Lock()
		s, ok := r.sessions[cred.Identity]
		if ok {
			delete(r.sessions, cred.Identity)
		}
		r.mu.Unlock()

		if ok {
			s.Stop(ctx)
		}

		if len(cred.Session) > 0 {
			cred.Session = nil
			if err := r.creds.UpsertCredential(ctx, &cred); err != nil {
				r.logger.Warn("artifact cleanup failed", "identity", cred.Identity, "error", err)
				continue
			}
		}
		r.logger.Info("inactive session cleaned up", "identity", cred.Identity)
	}
	return nil
}
