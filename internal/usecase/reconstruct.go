package usecase

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"chansync/internal/domain"
)

const (
	// groupScanWindow is how far back a group scan looks for members of
	// an album encountered in the fetch window.
	groupScanWindow = 100
	// groupMemberCap bounds the number of members collected per album.
	groupMemberCap = 10
)

// HistoryFetcher is the slice of the session the reconstructor uses to
// widen an album scan beyond the fetch window.
type HistoryFetcher interface {
	History(ctx context.Context, channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error)
}

// Reconstructor turns a raw message stream into discrete content units,
// merging messages that share a group identifier into one logical album.
type Reconstructor struct {
	logger *slog.Logger
}

// NewReconstructor creates a reconstructor.
func NewReconstructor(logger *slog.Logger) *Reconstructor {
	return &Reconstructor{logger: logger}
}

// Assemble processes msgs in the given (newest-first) order. Grouped
// messages are collected into albums: members sorted by ascending
// message id, 1-based positions, identical group size, and the first
// non-empty caption shared across every member. Standalone messages
// with neither text nor resolvable media are dropped as noise. No
// message is emitted twice, even when revisited during a group scan.
func (r *Reconstructor) Assemble(ctx context.Context, channel domain.Channel, msgs []domain.RawMessage, fetcher HistoryFetcher, resolver domain.MediaResolver) []domain.ContentUnit {
	seen := make(map[int64]bool, len(msgs))
	doneGroups := make(map[int64]bool)

	var units []domain.ContentUnit
	for _, msg := range msgs {
		if seen[msg.ID] {
			continue
		}

		if msg.GroupID != 0 {
			if doneGroups[msg.GroupID] {
				seen[msg.ID] = true
				continue
			}
			doneGroups[msg.GroupID] = true
			units = append(units, r.assembleGroup(ctx, channel, msg, msgs, fetcher, resolver, seen)...)
			continue
		}

		seen[msg.ID] = true
		if unit := r.assembleSingle(ctx, channel, msg, resolver); unit != nil {
			units = append(units, *unit)
		}
	}
	return units
}

func (r *Reconstructor) assembleGroup(ctx context.Context, channel domain.Channel, first domain.RawMessage, window []domain.RawMessage, fetcher HistoryFetcher, resolver domain.MediaResolver, seen map[int64]bool) []domain.ContentUnit {
	members := collectMembers(first.GroupID, window)

	// The fetch window may have sliced the album; widen the scan.
	if len(members) < groupMemberCap && fetcher != nil {
		scan, err := fetcher.History(ctx, channel.ID, domain.HistoryQuery{Limit: groupScanWindow})
		if err != nil {
			r.logger.Warn("group scan failed, using fetch window only",
				"channel", channel.ID, "group", first.GroupID, "error", err)
		} else {
			members = mergeMembers(members, collectMembers(first.GroupID, scan))
		}
	}
	if len(members) == 0 {
		members = []domain.RawMessage{first}
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	// Oversized albums keep their newest cap-sized slice, matching the
	// newest-first scan bound.
	if len(members) > groupMemberCap {
		members = members[len(members)-groupMemberCap:]
	}

	// Shared album text: the first non-empty caption in message-id
	// order. First wins; captions are never concatenated.
	var text string
	for _, m := range members {
		if body := m.Body(); strings.TrimSpace(body) != "" {
			text = body
			break
		}
	}

	units := make([]domain.ContentUnit, 0, len(members))
	groupID := strconv.FormatInt(first.GroupID, 10)
	for i, m := range members {
		seen[m.ID] = true
		units = append(units, domain.ContentUnit{
			MessageID:    m.ID,
			ChannelID:    channel.ID,
			ChannelTitle: channel.Title,
			Text:         text,
			Media:        r.resolveMedia(ctx, m, resolver),
			PostedAt:     m.PostedAt,
			GroupID:      groupID,
			Position:     i + 1,
			GroupSize:    len(members),
		})
	}
	return units
}

func (r *Reconstructor) assembleSingle(ctx context.Context, channel domain.Channel, msg domain.RawMessage, resolver domain.MediaResolver) *domain.ContentUnit {
	text := msg.Body()
	media := r.resolveMedia(ctx, msg, resolver)

	// Noise: nothing to show, nothing to keep.
	if strings.TrimSpace(text) == "" && media == nil {
		return nil
	}

	return &domain.ContentUnit{
		MessageID:    msg.ID,
		ChannelID:    channel.ID,
		ChannelTitle: channel.Title,
		Text:         text,
		Media:        media,
		PostedAt:     msg.PostedAt,
	}
}

// resolveMedia downloads and validates the message's attachment. A
// failed download is non-fatal: the unit persists without media.
func (r *Reconstructor) resolveMedia(ctx context.Context, msg domain.RawMessage, resolver domain.MediaResolver) *domain.MediaAttachment {
	if msg.Media == nil || resolver == nil {
		return nil
	}
	media, err := resolver.Resolve(ctx, msg)
	if err != nil {
		r.logger.Warn("media resolution failed",
			"channel", msg.ChannelID, "message_id", msg.ID,
			"kind", msg.Media.Kind, "error", err)
		return nil
	}
	return media
}

func collectMembers(groupID int64, msgs []domain.RawMessage) []domain.RawMessage {
	var members []domain.RawMessage
	for _, m := range msgs {
		if m.GroupID == groupID {
			members = append(members, m)
			if len(members) >= groupMemberCap {
				break
			}
		}
	}
	return members
}

func mergeMembers(a, b []domain.RawMessage) []domain.RawMessage {
	byID := make(map[int64]domain.RawMessage, len(a)+len(b))
	for _, m := range a {
		byID[m.ID] = m
	}
	for _, m := range b {
		byID[m.ID] = m
	}
	merged := make([]domain.RawMessage, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	return merged
}
