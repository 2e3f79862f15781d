package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chansync/internal/domain"
)

type memContentStore struct {
	mu       sync.Mutex
	channels []domain.Channel
	units    map[string]map[int64]domain.ContentUnit
	// shadow simulates a concurrent writer: ids listed here exist for
	// dedup checks but are invisible to the cursor.
	shadow map[string]map[int64]bool

	attachmentUpdates int
}

func newMemContentStore(channels ...domain.Channel) *memContentStore {
	return &memContentStore{
		channels: channels,
		units:    make(map[string]map[int64]domain.ContentUnit),
		shadow:   make(map[string]map[int64]bool),
	}
}

func (s *memContentStore) seed(unit domain.ContentUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.units[unit.ChannelID] == nil {
		s.units[unit.ChannelID] = make(map[int64]domain.ContentUnit)
	}
	s.units[unit.ChannelID][unit.MessageID] = unit
}

func (s *memContentStore) addShadow(channelID string, messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow[channelID] == nil {
		s.shadow[channelID] = make(map[int64]bool)
	}
	s.shadow[channelID][messageID] = true
}

func (s *memContentStore) ActiveChannels(ctx context.Context) ([]domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Channel
	for _, ch := range s.channels {
		if ch.Active {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *memContentStore) LatestContentUnit(ctx context.Context, channelID string) (*domain.ContentUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.ContentUnit
	for id := range s.units[channelID] {
		if latest == nil || id > latest.MessageID {
			u := s.units[channelID][id]
			latest = &u
		}
	}
	return latest, nil
}

func (s *memContentStore) ContentUnitExists(ctx context.Context, channelID string, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow[channelID][messageID] {
		return true, nil
	}
	_, ok := s.units[channelID][messageID]
	return ok, nil
}

func (s *memContentStore) CountContentUnits(ctx context.Context, channelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units[channelID]), nil
}

func (s *memContentStore) InsertContentUnit(ctx context.Context, unit *domain.ContentUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow[unit.ChannelID][unit.MessageID] {
		return domain.ErrDuplicate
	}
	if _, ok := s.units[unit.ChannelID][unit.MessageID]; ok {
		return domain.ErrDuplicate
	}
	if s.units[unit.ChannelID] == nil {
		s.units[unit.ChannelID] = make(map[int64]domain.ContentUnit)
	}
	s.units[unit.ChannelID][unit.MessageID] = *unit
	return nil
}

func (s *memContentStore) UpdateAttachment(ctx context.Context, channelID string, messageID int64, media *domain.MediaAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachmentUpdates++
	u, ok := s.units[channelID][messageID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Media = media
	s.units[channelID][messageID] = u
	return nil
}

func (s *memContentStore) UnitsWithMedia(ctx context.Context) ([]domain.ContentUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ContentUnit
	for _, byID := range s.units {
		for _, u := range byID {
			if u.Media != nil {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (s *memContentStore) ids(channelID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id := range s.units[channelID] {
		out = append(out, id)
	}
	return out
}

func newTestPlanner(t *testing.T, store *memContentStore, p *fakeProvider, cfg PlannerConfig) (*Planner, *[]time.Duration) {
	t.Helper()

	creds := newMemCredStore()
	require.NoError(t, creds.UpsertCredential(context.Background(), &domain.SessionCredential{
		Identity: "+15550001", Active: true, AuthorizedAt: time.Now(),
	}))
	registry := newTestRegistry(creds, map[string]*fakeProvider{"+15550001": p})

	planner := NewPlanner(store, registry, NewReconstructor(testLogger()), nil, cfg, testLogger())
	var slept []time.Duration
	planner.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	// Session sleeps are recorded too, so flood waits never slow tests.
	registry.Use("+15550001").sleep = planner.sleep
	return planner, &slept
}

func textMsg(id int64, channelID string) domain.RawMessage {
	return domain.RawMessage{
		ID: id, ChannelID: channelID,
		Text:     "post",
		PostedAt: time.Unix(1700000000+id, 0),
	}
}

func TestPlannerSyncChannelIncremental(t *testing.T) {
	store := newMemContentStore(testChannel)
	store.seed(domain.ContentUnit{ChannelID: testChannel.ID, MessageID: 98, PostedAt: time.Unix(1700000098, 0)})

	p := &fakeProvider{
		latestFn: func(channelID string) (*domain.RawMessage, error) {
			m := textMsg(102, channelID)
			return &m, nil
		},
		historyFn: func(channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
			// The window reaches past the cursor; duplicates included.
			return []domain.RawMessage{
				textMsg(102, channelID), textMsg(101, channelID), textMsg(98, channelID),
			}, nil
		},
	}
	planner, _ := newTestPlanner(t, store, p, PlannerConfig{})

	res, err := planner.SyncChannel(context.Background(), testChannel.ID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, res.Status)
	require.Len(t, res.NewUnits, 2)
	assert.ElementsMatch(t, []int64{98, 101, 102}, store.ids(testChannel.ID))

	require.NotEmpty(t, p.historyDone)
	q := p.historyDone[0]
	assert.Equal(t, defaultFetchWindow, q.Limit)
	assert.Equal(t, time.Unix(1700000098, 0), q.UntilDate)
}

func TestPlannerProbeSkipsCleanChannel(t *testing.T) {
	store := newMemContentStore(testChannel)
	store.seed(domain.ContentUnit{ChannelID: testChannel.ID, MessageID: 98, PostedAt: time.Unix(1700000098, 0)})

	p := &fakeProvider{
		latestFn: func(channelID string) (*domain.RawMessage, error) {
			m := textMsg(98, channelID)
			return &m, nil
		},
	}
	planner, _ := newTestPlanner(t, store, p, PlannerConfig{})

	res, err := planner.SyncChannel(context.Background(), testChannel.ID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, res.Status)
	assert.Empty(t, res.NewUnits)
	assert.Empty(t, p.historyDone, "a clean probe must not pay for a fetch")
}

func TestPlannerProbeFailurePolicy(t *testing.T) {
	tests := []struct {
		name      string
		failOpen  bool
		wantFetch bool
	}{
		{"fail open fetches anyway", true, true},
		{"fail closed reports the error", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemContentStore(testChannel)
			p := &fakeProvider{
				latestFn: func(channelID string) (*domain.RawMessage, error) {
					return nil, errors.New("read tcp: i/o timeout")
				},
				historyFn: func(channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
					return []domain.RawMessage{textMsg(5, channelID)}, nil
				},
			}
			planner, _ := newTestPlanner(t, store, p, PlannerConfig{ProbeFailOpen: tt.failOpen})

			res, err := planner.SyncChannel(context.Background(), testChannel.ID, SyncOptions{})
			require.NoError(t, err)
			if tt.wantFetch {
				assert.Equal(t, domain.SyncStatusSuccess, res.Status)
				assert.Len(t, res.NewUnits, 1)
			} else {
				assert.Equal(t, domain.SyncStatusError, res.Status)
				assert.NotEmpty(t, res.Message)
				assert.Empty(t, p.historyDone)
			}
		})
	}
}

func TestPlannerDedupRecheckAtInsert(t *testing.T) {
	store := newMemContentStore(testChannel)
	store.seed(domain.ContentUnit{ChannelID: testChannel.ID, MessageID: 98, PostedAt: time.Unix(1700000098, 0)})
	// Another writer persisted 101 between our cursor read and insert.
	store.addShadow(testChannel.ID, 101)

	p := &fakeProvider{
		latestFn: func(channelID string) (*domain.RawMessage, error) {
			m := textMsg(102, channelID)
			return &m, nil
		},
		historyFn: func(channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
			return []domain.RawMessage{textMsg(102, channelID), textMsg(101, channelID)}, nil
		},
	}
	planner, _ := newTestPlanner(t, store, p, PlannerConfig{})

	res, err := planner.SyncChannel(context.Background(), testChannel.ID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, res.Status)
	require.Len(t, res.NewUnits, 1)
	assert.Equal(t, int64(102), res.NewUnits[0].MessageID)
}

func TestPlannerGroupScanNeverRegressesCursor(t *testing.T) {
	store := newMemContentStore(testChannel)
	store.seed(domain.ContentUnit{ChannelID: testChannel.ID, MessageID: 98, PostedAt: time.Unix(1700000098, 0)})

	album := func(id int64) domain.RawMessage {
		m := rawPhoto(id, 900, "")
		m.Caption = "caption"
		return m
	}
	p := &fakeProvider{
		latestFn: func(channelID string) (*domain.RawMessage, error) {
			m := textMsg(99, channelID)
			return &m, nil
		},
		historyFn: func(channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
			if q.Limit == groupScanWindow {
				// The widened scan resurfaces members below the cursor.
				return []domain.RawMessage{album(99), album(98), album(97)}, nil
			}
			return []domain.RawMessage{album(99)}, nil
		},
	}
	planner, _ := newTestPlanner(t, store, p, PlannerConfig{})

	res, err := planner.SyncChannel(context.Background(), testChannel.ID, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, res.NewUnits, 1)
	assert.Equal(t, int64(99), res.NewUnits[0].MessageID)
	assert.ElementsMatch(t, []int64{98, 99}, store.ids(testChannel.ID))
}

func TestPlannerSyncAllActiveIsolatesChannelFailures(t *testing.T) {
	chA := domain.Channel{ID: "-100111", Title: "A", Active: true}
	chB := domain.Channel{ID: "-100222", Title: "B", Active: true}
	store := newMemContentStore(chA, chB)

	p := &fakeProvider{
		latestFn: func(channelID string) (*domain.RawMessage, error) {
			m := textMsg(5, channelID)
			return &m, nil
		},
		historyFn: func(channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
			if channelID == chA.ID {
				return nil, errors.New("CHANNEL_PRIVATE")
			}
			return []domain.RawMessage{textMsg(5, channelID)}, nil
		},
	}
	planner, slept := newTestPlanner(t, store, p, PlannerConfig{ChannelDelay: 250 * time.Millisecond})

	report, err := planner.SyncAllActive(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, domain.SyncStatusError, report.Results[0].Status)
	assert.NotEmpty(t, report.Results[0].Message)
	assert.Equal(t, domain.SyncStatusSuccess, report.Results[1].Status)
	assert.Equal(t, 1, report.TotalNew)
	assert.Contains(t, *slept, 250*time.Millisecond, "channels are paced by the politeness delay")
}

func TestPlannerSyncAllActiveRequiresCredential(t *testing.T) {
	store := newMemContentStore(testChannel)
	registry := newTestRegistry(newMemCredStore(), map[string]*fakeProvider{})
	planner := NewPlanner(store, registry, NewReconstructor(testLogger()), nil, PlannerConfig{}, testLogger())

	_, err := planner.SyncAllActive(context.Background(), SyncOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestPlannerBackfillChannel(t *testing.T) {
	store := newMemContentStore(testChannel)
	for _, id := range []int64{96, 97, 98} {
		store.seed(domain.ContentUnit{ChannelID: testChannel.ID, MessageID: id, PostedAt: time.Unix(1700000000+id, 0)})
	}

	p := &fakeProvider{
		historyFn: func(channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
			return []domain.RawMessage{textMsg(40, channelID), textMsg(39, channelID)}, nil
		},
	}
	planner, _ := newTestPlanner(t, store, p, PlannerConfig{})

	res, err := planner.BackfillChannel(context.Background(), testChannel.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, res.Status)
	assert.Len(t, res.NewUnits, 2)
	assert.ElementsMatch(t, []int64{39, 40, 96, 97, 98}, store.ids(testChannel.ID))

	require.NotEmpty(t, p.historyDone)
	q := p.historyDone[0]
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 3, q.Offset, "backfill skips what is already stored")
	assert.True(t, q.UntilDate.IsZero(), "backfill carries no date bound")
}

func TestPlannerBackfillChannelRejectsNonPositiveCount(t *testing.T) {
	store := newMemContentStore(testChannel)
	planner, _ := newTestPlanner(t, store, &fakeProvider{}, PlannerConfig{})

	for _, count := range []int{0, -3} {
		_, err := planner.BackfillChannel(context.Background(), testChannel.ID, count)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestPlannerRedownloadMedia(t *testing.T) {
	store := newMemContentStore(testChannel)
	store.seed(domain.ContentUnit{ChannelID: testChannel.ID, MessageID: 50, PostedAt: time.Unix(1700000050, 0)})

	p := &fakeProvider{
		messagesFn: func(channelID string, ids []int64) ([]domain.RawMessage, error) {
			return []domain.RawMessage{rawPhoto(ids[0], 0, "pic")}, nil
		},
	}

	creds := newMemCredStore()
	require.NoError(t, creds.UpsertCredential(context.Background(), &domain.SessionCredential{
		Identity: "+15550001", Active: true, AuthorizedAt: time.Now(),
	}))
	registry := newTestRegistry(creds, map[string]*fakeProvider{"+15550001": p})

	resolver := &fakeResolver{}
	resolverFor := func(domain.FileDownloader) domain.MediaResolver { return resolver }
	planner := NewPlanner(store, registry, NewReconstructor(testLogger()), resolverFor, PlannerConfig{}, testLogger())

	media, err := planner.RedownloadMedia(context.Background(), testChannel.ID, 50)
	require.NoError(t, err)
	require.NotNil(t, media)
	assert.Equal(t, domain.MediaKindPhoto, media.Kind)
	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, 1, store.attachmentUpdates)
}

func TestPlannerRedownloadMediaMissingMessage(t *testing.T) {
	store := newMemContentStore(testChannel)
	p := &fakeProvider{}
	planner, _ := newTestPlanner(t, store, p, PlannerConfig{})

	_, err := planner.RedownloadMedia(context.Background(), testChannel.ID, 51)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
