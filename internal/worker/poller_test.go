package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svcops/intake/internal/config"
	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/inbox"
)

type fakePollStore struct {
	wm          core.Watermark
	msgs        []core.SourceMessage
	rejected    *core.Watermark
	utilization float64

	polledBatch int
	inserted    []int64
	updatedWM   *core.Watermark
}

func (f *fakePollStore) GetWatermark(context.Context) (core.Watermark, error) {
	return f.wm, nil
}

func (f *fakePollStore) UpdateWatermark(_ context.Context, wm core.Watermark) error {
	f.updatedWM = &wm
	return nil
}

func (f *fakePollStore) PollNew(_ context.Context, _ core.Watermark, batchSize int) ([]core.SourceMessage, *core.Watermark, error) {
	f.polledBatch = batchSize
	if len(f.msgs) > batchSize {
		return f.msgs[:batchSize], f.rejected, nil
	}
	return f.msgs, f.rejected, nil
}

func (f *fakePollStore) InsertNew(_ context.Context, m *core.SourceMessage) (*int64, error) {
	f.inserted = append(f.inserted, m.MessageID)
	id := int64(len(f.inserted))
	return &id, nil
}

func (f *fakePollStore) PoolUtilization() float64 { return f.utilization }

type fixedLease struct {
	leader   bool
	released bool
}

func (l *fixedLease) TryAcquire(context.Context) (bool, error) { return l.leader, nil }
func (l *fixedLease) Release(context.Context) error            { l.released = true; return nil }

func pollerConfig() config.PollerConfig {
	return config.PollerConfig{
		Enabled:              true,
		IntervalSeconds:      30,
		BatchSize:            25,
		Workers:              1,
		ReclaimEveryTicks:    4,
		InterJobDelaySeconds: 0,
	}
}

func idleWorker() *Worker {
	return New(&fakeClaims{}, inbox.NewStatusWriter(&recordMarker{}, 5), &fakeJobber{}, 10*time.Minute)
}

func TestTickAdvancesWatermark(t *testing.T) {
	base := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)
	store := &fakePollStore{
		msgs: []core.SourceMessage{
			{MessageID: 1, CreatedAt: base},
			{MessageID: 2, CreatedAt: base.Add(time.Second)},
		},
	}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, nil, pollerConfig(), 0.95)

	p.Tick(context.Background())

	assert.Equal(t, []int64{1, 2}, store.inserted)
	require.NotNil(t, store.updatedWM)
	assert.Equal(t, int64(2), store.updatedWM.LastMessageID)
	assert.True(t, store.updatedWM.LastCreatedAt.Equal(base.Add(time.Second)))
	assert.Equal(t, 25, store.polledBatch)
}

func TestTickHoldsWatermarkBehindMalformedRow(t *testing.T) {
	// A malformed row older than the batch's well-formed rows must stay
	// ahead of the watermark so it is re-seen on every poll.
	base := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)
	store := &fakePollStore{
		msgs:     []core.SourceMessage{{MessageID: 2, CreatedAt: base.Add(time.Minute)}},
		rejected: &core.Watermark{LastCreatedAt: base, LastMessageID: 1},
	}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, nil, pollerConfig(), 0.95)

	p.Tick(context.Background())

	// The well-formed row is still inserted; the watermark does not move.
	assert.Equal(t, []int64{2}, store.inserted)
	assert.Nil(t, store.updatedWM)
}

func TestTickAdvancesWatermarkUpToMalformedRow(t *testing.T) {
	base := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)
	store := &fakePollStore{
		msgs: []core.SourceMessage{
			{MessageID: 1, CreatedAt: base},
			{MessageID: 3, CreatedAt: base.Add(time.Minute)},
		},
		rejected: &core.Watermark{LastCreatedAt: base.Add(30 * time.Second), LastMessageID: 2},
	}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, nil, pollerConfig(), 0.95)

	p.Tick(context.Background())

	assert.Equal(t, []int64{1, 3}, store.inserted)
	require.NotNil(t, store.updatedWM)
	// Advance stops at the last tuple strictly below the rejected row.
	assert.Equal(t, int64(1), store.updatedWM.LastMessageID)
	assert.True(t, store.updatedWM.LastCreatedAt.Equal(base))
}

func TestTickNoNewRowsLeavesWatermark(t *testing.T) {
	store := &fakePollStore{}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, nil, pollerConfig(), 0.95)

	p.Tick(context.Background())
	assert.Nil(t, store.updatedWM)
}

func TestTickBackpressureShrinksBatch(t *testing.T) {
	store := &fakePollStore{utilization: 0.97}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, nil, pollerConfig(), 0.95)

	p.Tick(context.Background())
	assert.Equal(t, 1, store.polledBatch)
}

func TestTickNonLeaderSkipsPoll(t *testing.T) {
	store := &fakePollStore{msgs: []core.SourceMessage{{MessageID: 1}}}
	lease := &fixedLease{leader: false}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, lease, pollerConfig(), 0.95)

	p.Tick(context.Background())
	assert.Empty(t, store.inserted)
	assert.Equal(t, 0, store.polledBatch)
}

func TestTickLeaderPolls(t *testing.T) {
	store := &fakePollStore{msgs: []core.SourceMessage{{MessageID: 1, CreatedAt: time.Now()}}}
	lease := &fixedLease{leader: true}
	p := NewPoller(store, []*Worker{idleWorker()}, nil, lease, pollerConfig(), 0.95)

	p.Tick(context.Background())
	assert.Equal(t, []int64{1}, store.inserted)
}

func TestTickDrainsClaimableWork(t *testing.T) {
	store := &fakePollStore{}
	marker := &recordMarker{}
	claims := &fakeClaims{
		rows: []*core.InboxRow{claimableRow(), claimableRow()},
		msg:  &core.SourceMessage{MessageID: 100, Payload: []byte(`{"documents": []}`)},
	}
	w := New(claims, inbox.NewStatusWriter(marker, 5), &fakeJobber{}, 10*time.Minute)
	p := NewPoller(store, []*Worker{w}, nil, nil, pollerConfig(), 0.95)

	p.Tick(context.Background())
	// Both rows drained within one tick.
	assert.Len(t, marker.done, 2)
}

func TestStartStop(t *testing.T) {
	store := &fakePollStore{}
	lease := &fixedLease{leader: true}
	cfg := pollerConfig()
	cfg.IntervalSeconds = 3600 // only the immediate first tick runs
	p := NewPoller(store, []*Worker{idleWorker()}, nil, lease, cfg, 0.95)

	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	assert.True(t, lease.released)
}
