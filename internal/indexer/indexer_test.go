package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sage-finance/sagepoints/internal/model"
	st "github.com/sage-finance/sagepoints/internal/store"
)

type fakeChain struct {
	head          uint64
	rangesFetched [][2]uint64
	failTimes     int
	eventsByRange map[[2]uint64][]model.Event
}

func (f *fakeChain) HeadBlock(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) FetchEvents(ctx context.Context, from, to uint64) ([]model.Event, error) {
	f.rangesFetched = append(f.rangesFetched, [2]uint64{from, to})
	if f.failTimes > 0 {
		f.failTimes--
		return nil, errors.New("provider error: rate limit exceeded")
	}
	return f.eventsByRange[[2]uint64{from, to}], nil
}

type fakeStore struct {
	positions map[model.PositionKey]model.Position
	cursor    uint64
	hasCursor bool
	batches   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[model.PositionKey]model.Position)}
}

func (f *fakeStore) LoadAllPositions(ctx context.Context) ([]model.Position, error) {
	out := make([]model.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeStore) UpsertPosition(ctx context.Context, pos model.Position) error {
	f.positions[pos.Key()] = pos
	return nil
}
func (f *fakeStore) AppendEvent(ctx context.Context, evt model.Event) error { return nil }
func (f *fakeStore) GetCursor(ctx context.Context) (uint64, bool, error) {
	return f.cursor, f.hasCursor, nil
}
func (f *fakeStore) SetCursor(ctx context.Context, block uint64) error {
	f.cursor = block
	f.hasCursor = true
	return nil
}
func (f *fakeStore) ApplyBatch(ctx context.Context, positions []model.Position, events []model.Event, newCursor uint64) error {
	f.batches++
	for _, p := range positions {
		f.positions[p.Key()] = p
	}
	f.cursor = newCursor
	f.hasCursor = true
	return nil
}
func (f *fakeStore) UserPositions(ctx context.Context, address string) ([]model.Position, error) {
	return nil, nil
}
func (f *fakeStore) UserEvents(ctx context.Context, address string) ([]st.EventView, error) {
	return nil, nil
}
func (f *fakeStore) Leaderboard(ctx context.Context, limit int) ([]st.LeaderboardRow, error) {
	return nil, nil
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func nonce(n uint64) *uint64 { return &n }

func TestBackfill_ChunksIntoMaxRangeWindows(t *testing.T) {
	chain := &fakeChain{head: 1250, eventsByRange: map[[2]uint64][]model.Event{}}
	s := newFakeStore()
	idx := New(chain, s, testLogger(), 0, 500)

	err := idx.backfill(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, chain.rangesFetched, 3)
	assert.Equal(t, [2]uint64{1, 500}, chain.rangesFetched[0])
	assert.Equal(t, [2]uint64{501, 1000}, chain.rangesFetched[1])
	assert.Equal(t, [2]uint64{1001, 1250}, chain.rangesFetched[2])
	assert.Equal(t, uint64(1250), s.cursor)
}

func TestBackfill_AppliesDepositEventIntoActivePosition(t *testing.T) {
	evt := model.Event{
		EventType:   model.EventDeposit,
		UserAddress: "0xabc0000000000000000000000000000000dead",
		Nonce:       nonce(1),
		Amount:      big.NewInt(1_000_000_000_000_000_000),
		BlockNumber: 10,
		Timestamp:   1000,
	}
	chain := &fakeChain{
		head: 100,
		eventsByRange: map[[2]uint64][]model.Event{
			{1, 100}: {evt},
		},
	}
	s := newFakeStore()
	idx := New(chain, s, testLogger(), 0, 500)

	err := idx.backfill(context.Background(), 0)
	require.NoError(t, err)

	pos, ok := s.positions[model.PositionKey{UserAddress: evt.UserAddress, Nonce: 1}]
	require.True(t, ok)
	assert.Equal(t, model.StatusActive, pos.Status)
}

func TestFetchRangeWithRetry_SkipsRangeWithoutAdvancingCursorAfterRetriesExhausted(t *testing.T) {
	chain := &fakeChain{head: 500, failTimes: 10, eventsByRange: map[[2]uint64][]model.Event{}}
	s := newFakeStore()
	idx := New(chain, s, testLogger(), 0, 500, WithRateLimitBackoff(2))

	start := time.Now()
	err := idx.backfill(context.Background(), 0)
	require.NoError(t, err)
	elapsed := time.Since(start)

	// 2 retries * 2s backoff, at minimum.
	assert.GreaterOrEqual(t, elapsed, 4*time.Second)
	assert.False(t, s.hasCursor, "cursor must not advance when the range could not be fetched")
}
