package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chansync/internal/domain"
)

const (
	// authCacheTTL bounds provider calls under repeated status polling.
	authCacheTTL = 10 * time.Second
	// codeExchangeWait bounds the code/password exchange round-trip.
	codeExchangeWait = 30 * time.Second
	// transientRetries is the local retry budget for network failures.
	transientRetries = 3
	// floodWaitCeiling is the longest provider-mandated wait honored by
	// sleeping; anything longer fails with the structured wait surfaced.
	floodWaitCeiling = 60 * time.Second
)

// ProviderFactory allocates a fresh transport connection for an identity.
// Used at session creation and again when a corrupted session is reset.
type ProviderFactory func(identity string) domain.FeedProvider

// Session drives one external user's provider connection lifecycle:
//
//	Unauthenticated -> CodeRequested -> (Authorized | PasswordRequired) -> Authorized
//
// Any state falls back to Unauthenticated when session corruption is
// detected. All operations are serialized on an internal mutex, so the
// underlying provider never sees concurrent calls and the reset path is
// safe under concurrent callers: the second caller observes the pre- or
// post-reset state, never a torn intermediate.
type Session struct {
	identity    string
	newProvider ProviderFactory
	creds       domain.CredentialStore
	sealer      domain.SessionSealer
	classifier  *ErrorClassifier
	logger      *slog.Logger

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	provider       domain.FeedProvider
	state          domain.AuthState
	connected      bool
	restoreTried   bool
	lastCheck      time.Time
	lastAuthorized bool
}

// NewSession creates a session for identity. The provider connection is
// opened lazily on first use.
func NewSession(identity string, factory ProviderFactory, creds domain.CredentialStore, sealer domain.SessionSealer, logger *slog.Logger) *Session {
	return &Session{
		identity:    identity,
		newProvider: factory,
		provider:    factory(identity),
		creds:       creds,
		sealer:      sealer,
		classifier:  NewErrorClassifier(),
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Identity returns the session's phone-like key.
func (s *Session) Identity() string { return s.identity }

// State returns the current auth state.
func (s *Session) State() domain.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return domain.AuthStateUnauthenticated
	}
	return s.state
}

// RequestCode opens the transport if absent and asks the provider for a
// one-time login code. On throttling the structured wait is surfaced via
// RateLimitError; the caller must not retry before it elapses.
func (s *Session) RequestCode(ctx context.Context) (string, error) {
	const op = "Session.RequestCode"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return "", domain.WrapOp(op, err)
	}

	hash, err := s.provider.SendCode(ctx, s.identity)
	if err != nil {
		return "", s.mapErrLocked(ctx, op, err)
	}

	s.state = domain.AuthStateCodeRequested
	s.logger.Info("login code requested", "identity", s.identity)
	return hash, nil
}

// SubmitCode exchanges the one-time code for an authorized session. A
// bounded wait applies; on expiry the call fails with ErrTimeout, which
// callers may treat as retryable. The returned state distinguishes
// Authorized from PasswordRequired.
func (s *Session) SubmitCode(ctx context.Context, code, codeHash string) (domain.AuthState, error) {
	const op = "Session.SubmitCode"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return s.stateLocked(), domain.WrapOp(op, err)
	}

	exchCtx, cancel := context.WithTimeout(ctx, codeExchangeWait)
	defer cancel()

	user, err := s.provider.SignIn(exchCtx, s.identity, codeHash, code)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.stateLocked(), domain.NewDomainError(op, domain.ErrTimeout, "code exchange")
		}
		ce := s.classifier.Classify(err)
		if ce.Sentinel == domain.ErrPasswordRequired {
			s.state = domain.AuthStatePasswordRequired
			s.logger.Info("two-factor password required", "identity", s.identity)
			return s.state, nil
		}
		return s.stateLocked(), s.mapErrLocked(ctx, op, err)
	}

	if err := s.authorizeLocked(ctx, user); err != nil {
		return s.stateLocked(), domain.WrapOp(op, err)
	}
	return domain.AuthStateAuthorized, nil
}

// SubmitPassword completes the two-factor exchange.
func (s *Session) SubmitPassword(ctx context.Context, password string) (domain.AuthState, error) {
	const op = "Session.SubmitPassword"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return s.stateLocked(), domain.WrapOp(op, err)
	}

	exchCtx, cancel := context.WithTimeout(ctx, codeExchangeWait)
	defer cancel()

	user, err := s.provider.CheckPassword(exchCtx, password)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.stateLocked(), domain.NewDomainError(op, domain.ErrTimeout, "password exchange")
		}
		return s.stateLocked(), s.mapErrLocked(ctx, op, err)
	}

	if err := s.authorizeLocked(ctx, user); err != nil {
		return s.stateLocked(), domain.WrapOp(op, err)
	}
	return domain.AuthStateAuthorized, nil
}

// CheckAuthorized reports whether the session is currently authorized.
// Results are cached for authCacheTTL. A live check retries transient
// network failures with linear backoff before giving up; detecting
// session corruption resets the session (credential deleted, connection
// reinitialized) and reports false. The reset is performed at most once
// per detection: concurrent callers blocked on the session lock observe
// the freshly cached negative result instead of re-running the check.
func (s *Session) CheckAuthorized(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastCheck.IsZero() && s.now().Sub(s.lastCheck) < authCacheTTL {
		return s.lastAuthorized
	}

	ok := s.checkLiveLocked(ctx)
	s.lastCheck = s.now()
	s.lastAuthorized = ok
	return ok
}

func (s *Session) checkLiveLocked(ctx context.Context) bool {
	if err := s.connectLocked(ctx); err != nil {
		return false
	}

	for attempt := 1; attempt <= transientRetries; attempt++ {
		user, err := s.provider.Me(ctx)
		if err == nil {
			s.state = domain.AuthStateAuthorized
			if perr := s.persistSnapshotLocked(ctx, user); perr != nil {
				s.logger.Warn("credential refresh failed", "identity", s.identity, "error", perr)
			}
			return true
		}

		ce := s.classifier.Classify(err)
		switch ce.Sentinel {
		case domain.ErrSessionCorrupted:
			s.resetLocked(ctx)
			return false
		case domain.ErrTransientNetwork:
			if attempt == transientRetries {
				s.logger.Warn("authorization check unreachable", "identity", s.identity, "error", err)
				return false
			}
			// Linear backoff: 1s, 2s, ...
			if s.sleep(ctx, time.Duration(attempt)*time.Second) != nil {
				return false
			}
		default:
			s.logger.Debug("authorization check negative", "identity", s.identity, "error", err)
			return false
		}
	}
	return false
}

// Logout tears down the connection and deletes the persisted credential.
// The terminal state is Unauthenticated.
func (s *Session) Logout(ctx context.Context) error {
	const op = "Session.Logout"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		if err := s.provider.Close(ctx); err != nil {
			s.logger.Warn("transport close failed", "identity", s.identity, "error", err)
		}
		s.connected = false
	}
	if err := s.creds.DeleteCredential(ctx, s.identity); err != nil {
		return domain.WrapOp(op, err)
	}
	s.state = domain.AuthStateUnauthenticated
	s.lastAuthorized = false
	s.lastCheck = s.now()
	s.restoreTried = false
	s.logger.Info("logged out", "identity", s.identity)
	return nil
}

// Stop closes the transport without deleting the persisted credential,
// so a restart resumes without re-authentication.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return
	}
	if err := s.provider.Close(ctx); err != nil {
		s.logger.Warn("transport close failed", "identity", s.identity, "error", err)
	}
	s.connected = false
	s.restoreTried = false
}

// Channels lists the channel-type dialogs visible to the account.
func (s *Session) Channels(ctx context.Context) ([]domain.Channel, error) {
	const op = "Session.Channels"
	var out []domain.Channel
	err := s.call(ctx, op, func(p domain.FeedProvider) error {
		var err error
		out, err = p.Dialogs(ctx)
		return err
	})
	return out, err
}

// ChannelInfo resolves a single channel's identity and title.
func (s *Session) ChannelInfo(ctx context.Context, channelID string) (*domain.Channel, error) {
	const op = "Session.ChannelInfo"
	var out *domain.Channel
	err := s.call(ctx, op, func(p domain.FeedProvider) error {
		var err error
		out, err = p.ChannelInfo(ctx, channelID)
		return err
	})
	return out, err
}

// LatestMessage is the cheap probe: the channel's newest message.
func (s *Session) LatestMessage(ctx context.Context, channelID string) (*domain.RawMessage, error) {
	const op = "Session.LatestMessage"
	var out *domain.RawMessage
	err := s.call(ctx, op, func(p domain.FeedProvider) error {
		var err error
		out, err = p.LatestMessage(ctx, channelID)
		return err
	})
	return out, err
}

// History fetches a bounded window of channel messages, newest-first.
func (s *Session) History(ctx context.Context, channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
	const op = "Session.History"
	var out []domain.RawMessage
	err := s.call(ctx, op, func(p domain.FeedProvider) error {
		var err error
		out, err = p.History(ctx, channelID, q)
		return err
	})
	return out, err
}

// Messages fetches specific messages by id.
func (s *Session) Messages(ctx context.Context, channelID string, ids []int64) ([]domain.RawMessage, error) {
	const op = "Session.Messages"
	var out []domain.RawMessage
	err := s.call(ctx, op, func(p domain.FeedProvider) error {
		var err error
		out, err = p.Messages(ctx, channelID, ids)
		return err
	})
	return out, err
}

// Download streams the referenced file to path. Satisfies
// domain.FileDownloader for the media acquirer.
func (s *Session) Download(ctx context.Context, fileRef, path string) error {
	const op = "Session.Download"
	return s.call(ctx, op, func(p domain.FeedProvider) error {
		return p.Download(ctx, fileRef, path)
	})
}

// call runs a provider operation under the session lock with the shared
// failure policy: flood waits up to the ceiling are honored once,
// corruption triggers a reset, and everything else is classified into
// the domain taxonomy.
func (s *Session) call(ctx context.Context, op string, fn func(p domain.FeedProvider) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return domain.WrapOp(op, err)
	}

	err := fn(s.provider)
	if err == nil {
		return nil
	}

	ce := s.classifier.Classify(err)
	if ce.Sentinel == domain.ErrRateLimited && ce.RetryAfter > 0 && ce.RetryAfter <= floodWaitCeiling {
		if serr := s.sleep(ctx, ce.RetryAfter); serr != nil {
			return domain.WrapOp(op, serr)
		}
		if err = fn(s.provider); err == nil {
			return nil
		}
		ce = s.classifier.Classify(err)
	}
	return s.finishErrLocked(ctx, op, ce)
}

// mapErrLocked classifies err and applies reset-on-corruption. Unlike
// call, no flood-wait sleep is performed: auth exchanges surface the
// structured wait to the interactive caller instead of blocking.
func (s *Session) mapErrLocked(ctx context.Context, op string, err error) error {
	return s.finishErrLocked(ctx, op, s.classifier.Classify(err))
}

func (s *Session) finishErrLocked(ctx context.Context, op string, ce ClassifiedError) error {
	switch {
	case ce.Sentinel == domain.ErrRateLimited:
		return domain.NewDomainError(op, &domain.RateLimitError{RetryAfter: ce.RetryAfter}, "provider throttled")
	case ce.Sentinel == domain.ErrSessionCorrupted:
		s.resetLocked(ctx)
		return domain.NewDomainError(op, domain.ErrSessionCorrupted, ce.Original.Error())
	case ce.Sentinel != nil:
		return domain.NewDomainError(op, ce.Sentinel, ce.Original.Error())
	default:
		return domain.WrapOp(op, ce.Original)
	}
}

// authorizeLocked finalizes a successful exchange: state transition plus
// snapshot persistence for reuse across process restarts.
func (s *Session) authorizeLocked(ctx context.Context, user *domain.ProviderUser) error {
	s.state = domain.AuthStateAuthorized
	s.lastAuthorized = true
	s.lastCheck = s.now()
	if err := s.persistSnapshotLocked(ctx, user); err != nil {
		return err
	}
	s.logger.Info("session authorized", "identity", s.identity, "user_id", user.ID)
	return nil
}

func (s *Session) persistSnapshotLocked(ctx context.Context, user *domain.ProviderUser) error {
	blob, err := s.provider.ExportSession(ctx)
	if err != nil {
		return domain.WrapOp("export session", err)
	}
	sealed, err := s.sealer.Seal(blob)
	if err != nil {
		return domain.WrapOp("seal session", err)
	}

	cred := &domain.SessionCredential{
		Identity:     s.identity,
		Session:      sealed,
		AuthorizedAt: s.now(),
		Active:       true,
	}
	if user != nil {
		cred.DisplayName = user.DisplayName()
		cred.ProviderUserID = user.ID
	}
	return domain.WrapOp("persist credential", s.creds.UpsertCredential(ctx, cred))
}

// connectLocked opens the transport if absent, restoring the persisted
// session artifact on the first connection.
func (s *Session) connectLocked(ctx context.Context) error {
	if s.connected {
		return nil
	}

	if !s.restoreTried {
		s.restoreTried = true
		if cred, err := s.creds.Credential(ctx, s.identity); err == nil && cred != nil && len(cred.Session) > 0 {
			if blob, oerr := s.sealer.Open(cred.Session); oerr == nil {
				if ierr := s.provider.ImportSession(ctx, blob); ierr != nil {
					s.logger.Warn("session restore failed", "identity", s.identity, "error", ierr)
				}
			} else {
				s.logger.Warn("session artifact unreadable", "identity", s.identity, "error", oerr)
			}
		}
	}

	if err := s.provider.Connect(ctx); err != nil {
		ce := s.classifier.Classify(err)
		if ce.Sentinel != nil {
			return ce.Sentinel
		}
		return err
	}
	s.connected = true
	return nil
}

// resetLocked handles detected session corruption: drop the cached
// credential, delete the persisted artifact, and reinitialize the
// connection object. Idempotent; a second invocation finds nothing left
// to delete.
func (s *Session) resetLocked(ctx context.Context) {
	s.logger.Warn("resetting corrupted session", "identity", s.identity)

	if s.connected {
		if err := s.provider.Close(ctx); err != nil {
			s.logger.Debug("transport close during reset", "identity", s.identity, "error", err)
		}
	}
	if err := s.creds.DeleteCredential(ctx, s.identity); err != nil {
		s.logger.Warn("credential delete failed during reset", "identity", s.identity, "error", err)
	}

	s.provider = s.newProvider(s.identity)
	s.connected = false
	s.restoreTried = true // the artifact is gone; nothing to restore
	s.state = domain.AuthStateUnauthenticated
	s.lastAuthorized = false
}

func (s *Session) stateLocked() domain.AuthState {
	if s.state == "" {
		return domain.AuthStateUnauthenticated
	}
	return s.state
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
