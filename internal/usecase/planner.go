package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"chansync/internal/domain"
	"chansync/internal/infra/tracer"
)

const (
	defaultFetchWindow  = 20
	defaultChannelDelay = 750 * time.Millisecond
)

// PlannerConfig tunes the two-tier sync algorithm.
type PlannerConfig struct {
	// Window is the bounded fetch size per channel.
	Window int
	// ChannelDelay is the politeness pause between channels in a run.
	ChannelDelay time.Duration
	// ProbeFailOpen treats a failed cheap probe as "assume new content"
	// instead of skipping the channel.
	ProbeFailOpen bool
}

// SyncOptions tunes a single sync call.
type SyncOptions struct {
	// Limit overrides the configured fetch window when positive.
	Limit int
}

// ChannelResult is the per-channel outcome of a sync run. Errors are
// captured here rather than raised: a failing channel never aborts the
// run it is part of.
type ChannelResult struct {
	Channel  domain.Channel       `json:"channel"`
	Status   domain.SyncStatus    `json:"status"`
	Message  string               `json:"message,omitempty"`
	NewUnits []domain.ContentUnit `json:"new_units,omitempty"`
}

// RunReport summarizes one sync run across all active channels.
type RunReport struct {
	RunID    string          `json:"run_id"`
	Results  []ChannelResult `json:"results"`
	TotalNew int             `json:"total_new"`
}

// Planner decides, per channel, whether new content likely exists (cheap
// probe) before paying for a bounded fetch, reconstructs posts from the
// fetched window, and deduplicates against the persisted store.
type Planner struct {
	store       domain.ContentStore
	registry    *Registry
	recon       *Reconstructor
	resolverFor func(domain.FileDownloader) domain.MediaResolver
	cfg         PlannerConfig
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPlanner creates a planner. resolverFor builds the media resolver
// bound to the session performing the run; pass nil to skip media
// acquisition entirely.
func NewPlanner(store domain.ContentStore, registry *Registry, recon *Reconstructor, resolverFor func(domain.FileDownloader) domain.MediaResolver, cfg PlannerConfig, logger *slog.Logger) *Planner {
	if cfg.Window <= 0 {
		cfg.Window = defaultFetchWindow
	}
	if cfg.ChannelDelay <= 0 {
		cfg.ChannelDelay = defaultChannelDelay
	}
	return &Planner{
		store:       store,
		registry:    registry,
		recon:       recon,
		resolverFor: resolverFor,
		cfg:         cfg,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// QuickProbe reports whether channelID likely has content newer than the
// stored cursor, using the lightest available provider query.
func (p *Planner) QuickProbe(ctx context.Context, channelID string) (bool, error) {
	const op = "Planner.QuickProbe"

	sess, err := p.registry.SelectActive(ctx)
	if err != nil {
		return false, domain.WrapOp(op, err)
	}

	cursor, err := p.cursorFor(ctx, channelID)
	if err != nil {
		return false, domain.WrapOp(op, err)
	}

	latest, err := sess.LatestMessage(ctx, channelID)
	if err != nil {
		return p.cfg.ProbeFailOpen, domain.WrapOp(op, err)
	}
	return latest != nil && latest.ID > cursor.MessageID, nil
}

// SyncChannel performs the two-tier incremental sync for one channel.
// The error return is reserved for run preconditions (no authorized
// session); fetch failures land in the result's status instead.
func (p *Planner) SyncChannel(ctx context.Context, channelID string, opts SyncOptions) (ChannelResult, error) {
	const op = "Planner.SyncChannel"

	sess, err := p.authorizedSession(ctx, op)
	if err != nil {
		return ChannelResult{}, err
	}

	channel, err := p.channelByID(ctx, sess, channelID)
	if err != nil {
		return ChannelResult{}, domain.WrapOp(op, err)
	}

	return p.syncOne(ctx, sess, channel, opts), nil
}

// SyncAllActive runs the incremental sync over every active channel,
// sequentially with a politeness delay. Cancellation is honored between
// channels; an in-flight channel fetch runs to completion. A single
// channel's failure is recorded and the run proceeds.
func (p *Planner) SyncAllActive(ctx context.Context, opts SyncOptions) (RunReport, error) {
	const op = "Planner.SyncAllActive"

	sess, err := p.authorizedSession(ctx, op)
	if err != nil {
		return RunReport{}, err
	}

	channels, err := p.store.ActiveChannels(ctx)
	if err != nil {
		return RunReport{}, domain.WrapOp(op, err)
	}

	report := RunReport{RunID: newRunID()}

	ctx, span := tracer.StartSpan(ctx, "sync.run")
	span.SetAttributes(
		tracer.StringAttr("run_id", report.RunID),
		tracer.IntAttr("channels", len(channels)),
	)
	defer span.End()

	p.logger.Info("sync run started",
		"run_id", report.RunID, "identity", sess.Identity(), "channels", len(channels))

	for i, channel := range channels {
		// Abort point between channels only; never mid-fetch.
		if ctx.Err() != nil {
			p.logger.Info("sync run cancelled", "run_id", report.RunID, "done", i)
			break
		}
		if i > 0 {
			if p.sleep(ctx, p.cfg.ChannelDelay) != nil {
				break
			}
		}

		res := p.syncOne(ctx, sess, channel, opts)
		report.Results = append(report.Results, res)
		report.TotalNew += len(res.NewUnits)
	}

	span.SetAttributes(tracer.IntAttr("new_units", report.TotalNew))
	tracer.SetOK(span)
	p.logger.Info("sync run finished", "run_id", report.RunID, "new_units", report.TotalNew)
	return report, nil
}

// BackfillChannel fetches strictly older content for manual history
// expansion: the fetch skips the number of units already stored and
// carries no date bound. Dedup applies as usual.
func (p *Planner) BackfillChannel(ctx context.Context, channelID string, count int) (ChannelResult, error) {
	const op = "Planner.BackfillChannel"

	if count <= 0 {
		return ChannelResult{}, domain.NewDomainError(op, domain.ErrInvalidInput, "count must be positive")
	}

	sess, err := p.authorizedSession(ctx, op)
	if err != nil {
		return ChannelResult{}, err
	}

	channel, err := p.channelByID(ctx, sess, channelID)
	if err != nil {
		return ChannelResult{}, domain.WrapOp(op, err)
	}

	stored, err := p.store.CountContentUnits(ctx, channel.ID)
	if err != nil {
		return ChannelResult{}, domain.WrapOp(op, err)
	}

	msgs, err := sess.History(ctx, channel.ID, domain.HistoryQuery{Limit: count, Offset: stored})
	if err != nil {
		return errorResult(channel, err), nil
	}

	units := p.recon.Assemble(ctx, channel, msgs, sess, p.resolver(sess))
	accepted := p.persistNew(ctx, channel, units)

	p.logger.Info("backfill finished",
		"channel", channel.ID, "requested", count, "offset", stored, "new_units", len(accepted))
	return ChannelResult{Channel: channel, Status: domain.SyncStatusSuccess, NewUnits: accepted}, nil
}

// RedownloadMedia re-runs media acquisition for one stored message and
// updates the persisted attachment record.
func (p *Planner) RedownloadMedia(ctx context.Context, channelID string, messageID int64) (*domain.MediaAttachment, error) {
	const op = "Planner.RedownloadMedia"

	sess, err := p.authorizedSession(ctx, op)
	if err != nil {
		return nil, err
	}

	msgs, err := sess.Messages(ctx, channelID, []int64{messageID})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if len(msgs) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("message %d", messageID))
	}

	resolver := p.resolver(sess)
	if resolver == nil {
		return nil, domain.NewDomainError(op, domain.ErrMediaDownload, "no media resolver configured")
	}

	media, err := resolver.Resolve(ctx, msgs[0])
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if media == nil {
		return nil, domain.NewDomainError(op, domain.ErrMediaDownload, fmt.Sprintf("message %d has no usable attachment", messageID))
	}

	if err := p.store.UpdateAttachment(ctx, channelID, messageID, media); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return media, nil
}

// syncOne is the per-channel body shared by SyncChannel and
// SyncAllActive. It never returns an error; failures become the
// result's status.
func (p *Planner) syncOne(ctx context.Context, sess *Session, channel domain.Channel, opts SyncOptions) ChannelResult {
	ctx, span := tracer.StartSpan(ctx, "sync.channel")
	span.SetAttributes(tracer.StringAttr("channel_id", channel.ID))
	defer span.End()

	cursor, err := p.cursorFor(ctx, channel.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return errorResult(channel, err)
	}

	// Tier 1: cheap probe. Skip the channel only on positive evidence
	// of no new content; probe failures follow the configured policy.
	latest, err := sess.LatestMessage(ctx, channel.ID)
	switch {
	case err != nil:
		if !p.cfg.ProbeFailOpen {
			tracer.RecordError(span, err)
			return errorResult(channel, err)
		}
		p.logger.Warn("probe failed, assuming new content",
			"channel", channel.ID, "error", err)
	case latest == nil || latest.ID <= cursor.MessageID:
		tracer.SetOK(span)
		return ChannelResult{Channel: channel, Status: domain.SyncStatusSuccess}
	}

	// Tier 2: bounded fetch down to the cursor timestamp.
	limit := opts.Limit
	if limit <= 0 {
		limit = p.cfg.Window
	}
	msgs, err := sess.History(ctx, channel.ID, domain.HistoryQuery{
		Limit:     limit,
		UntilDate: cursor.PostedAt,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return errorResult(channel, err)
	}

	// Providers are not strictly monotonic; drop anything at or below
	// the cursor even when the window returns it.
	fresh := msgs[:0:0]
	for _, m := range msgs {
		if m.ID > cursor.MessageID {
			fresh = append(fresh, m)
		}
	}

	units := p.recon.Assemble(ctx, channel, fresh, sess, p.resolver(sess))

	// A group scan can resurface members older than the cursor; the
	// monotonicity guarantee applies to the output too.
	kept := units[:0:0]
	for _, u := range units {
		if u.MessageID > cursor.MessageID {
			kept = append(kept, u)
		}
	}

	accepted := p.persistNew(ctx, channel, kept)
	span.SetAttributes(tracer.IntAttr("new_units", len(accepted)))
	tracer.SetOK(span)
	return ChannelResult{Channel: channel, Status: domain.SyncStatusSuccess, NewUnits: accepted}
}

// persistNew re-checks dedup against the store and inserts what is
// genuinely new. Duplicates are skipped silently: they mean another
// writer (or an earlier run) got there first, which is fine.
func (p *Planner) persistNew(ctx context.Context, channel domain.Channel, units []domain.ContentUnit) []domain.ContentUnit {
	var accepted []domain.ContentUnit
	for i := range units {
		unit := units[i]

		exists, err := p.store.ContentUnitExists(ctx, unit.ChannelID, unit.MessageID)
		if err != nil {
			p.logger.Warn("dedup check failed, skipping unit",
				"channel", channel.ID, "message_id", unit.MessageID, "error", err)
			continue
		}
		if exists {
			continue
		}

		if err := p.store.InsertContentUnit(ctx, &unit); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			p.logger.Warn("insert failed",
				"channel", channel.ID, "message_id", unit.MessageID, "error", err)
			continue
		}
		accepted = append(accepted, unit)
	}
	return accepted
}

func (p *Planner) authorizedSession(ctx context.Context, op string) (*Session, error) {
	sess, err := p.registry.SelectActive(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if !sess.CheckAuthorized(ctx) {
		return nil, domain.NewDomainError(op, domain.ErrAuthRequired, "session not authorized")
	}
	return sess, nil
}

func (p *Planner) cursorFor(ctx context.Context, channelID string) (domain.SyncCursor, error) {
	latest, err := p.store.LatestContentUnit(ctx, channelID)
	if err != nil {
		return domain.SyncCursor{}, err
	}
	return domain.CursorFrom(latest), nil
}

// channelByID resolves a channel from the active catalog, falling back
// to a live provider lookup for channels not (yet) watched.
func (p *Planner) channelByID(ctx context.Context, sess *Session, channelID string) (domain.Channel, error) {
	channels, err := p.store.ActiveChannels(ctx)
	if err != nil {
		return domain.Channel{}, err
	}
	for _, ch := range channels {
		if ch.ID == channelID {
			return ch, nil
		}
	}

	info, err := sess.ChannelInfo(ctx, channelID)
	if err != nil {
		return domain.Channel{}, err
	}
	if info == nil {
		return domain.Channel{}, domain.NewDomainError("Planner.channelByID", domain.ErrChannelUnavailable, channelID)
	}
	return *info, nil
}

func (p *Planner) resolver(sess *Session) domain.MediaResolver {
	if p.resolverFor == nil {
		return nil
	}
	return p.resolverFor(sess)
}

func errorResult(channel domain.Channel, err error) ChannelResult {
	return ChannelResult{Channel: channel, Status: domain.SyncStatusError, Message: err.Error()}
}

func newRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
