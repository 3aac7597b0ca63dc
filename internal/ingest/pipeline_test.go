package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/apperr"
	"memora/internal/boundary"
	"memora/internal/config"
	"memora/internal/convbuffer"
	"memora/internal/memory"
)

type fakeMeta struct {
	meta     *memory.ConversationMeta
	statuses []*memory.ConversationStatus
	cells    []*memory.MemCell
}

func (f *fakeMeta) GetConversationMeta(ctx context.Context, groupID string) (*memory.ConversationMeta, error) {
	if f.meta == nil {
		return nil, apperr.NotFound("missing")
	}
	return f.meta, nil
}

func (f *fakeMeta) UpsertConversationStatus(ctx context.Context, st *memory.ConversationStatus) error {
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeMeta) InsertMemCell(ctx context.Context, cell *memory.MemCell) error {
	cell.EventID = fmt.Sprintf("cell-%d", len(f.cells)+1)
	f.cells = append(f.cells, cell)
	return nil
}

type fakeDetector struct {
	cell   *memory.MemCell
	status boundary.Status
	err    error
	seen   boundary.DecideInput
}

func (f *fakeDetector) Decide(ctx context.Context, in boundary.DecideInput) (*memory.MemCell, boundary.Status, error) {
	f.seen = in
	return f.cell, f.status, f.err
}

type fakeSubmitter struct {
	cells []*memory.MemCell
	err   error
}

func (f *fakeSubmitter) Submit(cell *memory.MemCell, meta *memory.ConversationMeta) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.cells = append(f.cells, cell)
	return cell.EventID, nil
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func msg(id string, at time.Time) memory.RawMessage {
	return memory.RawMessage{
		MessageID: id,
		GroupID:   "g",
		SenderID:  "u1",
		Content:   "content " + id,
		CreatedAt: at,
	}
}

func newPipeline(t *testing.T, det *fakeDetector) (*Pipeline, *fakeMeta, *fakeSubmitter, *convbuffer.Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	buf := convbuffer.New(rdb, "test:buf", 1000)
	docs := &fakeMeta{}
	sub := &fakeSubmitter{}
	cfg := config.BoundaryConfig{MinMessages: 3, MinElapsed: 5 * time.Minute, HardGap: 4 * time.Hour, BufferMax: 1000, HistoryLimit: 1000}
	p := NewPipeline(docs, buf, det, sub, NewLocker(rdb), cfg)
	return p, docs, sub, buf
}

func TestMemorize_InvalidInput(t *testing.T) {
	p, _, _, _ := newPipeline(t, &fakeDetector{status: boundary.StatusContinue})

	_, err := p.Memorize(context.Background(), nil)
	assert.True(t, apperr.IsInvalid(err))

	_, err = p.Memorize(context.Background(), []memory.RawMessage{{MessageID: "m", Content: "x"}})
	assert.True(t, apperr.IsInvalid(err), "group_id required")

	mixed := []memory.RawMessage{msg("a", t0), {MessageID: "b", GroupID: "other", Content: "x", CreatedAt: t0}}
	_, err = p.Memorize(context.Background(), mixed)
	assert.True(t, apperr.IsInvalid(err), "mixed groups rejected")
}

func TestMemorize_AccumulatesOnContinue(t *testing.T) {
	det := &fakeDetector{status: boundary.StatusContinue}
	p, docs, _, buf := newPipeline(t, det)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := p.Memorize(ctx, []memory.RawMessage{msg(fmt.Sprintf("m%d", i), t0.Add(time.Duration(i)*time.Second))})
		require.NoError(t, err)
		assert.Equal(t, StatusAccumulated, res.StatusInfo)
		assert.Empty(t, res.RequestID)
	}

	window, err := buf.Get(ctx, "g", 1000)
	require.NoError(t, err)
	assert.Len(t, window, 3)

	require.NotEmpty(t, docs.statuses)
	last := docs.statuses[len(docs.statuses)-1]
	assert.False(t, last.AwaitingBoundary)
	assert.False(t, last.LastMessageAt.Before(t0.Add(2*time.Second)))
}

func TestMemorize_WaitSetsAwaitingBoundary(t *testing.T) {
	det := &fakeDetector{status: boundary.StatusWait}
	p, docs, _, _ := newPipeline(t, det)

	res, err := p.Memorize(context.Background(), []memory.RawMessage{msg("m1", t0)})
	require.NoError(t, err)
	assert.Equal(t, StatusAccumulated, res.StatusInfo)
	require.NotEmpty(t, docs.statuses)
	assert.True(t, docs.statuses[0].AwaitingBoundary)
}

func TestMemorize_BoundarySubmits(t *testing.T) {
	ctx := context.Background()
	history := []memory.RawMessage{msg("h1", t0), msg("h2", t0.Add(time.Minute))}
	fresh := msg("n1", t0.Add(5*time.Hour))

	cell := &memory.MemCell{
		GroupID:      "g",
		Participants: []string{"u1"},
		Timestamp:    fresh.CreatedAt,
		Type:         memory.RawDataConversation,
		OriginalData: append(append([]memory.RawMessage{}, history...), fresh),
	}
	det := &fakeDetector{cell: cell, status: boundary.StatusBoundary}
	p, docs, sub, buf := newPipeline(t, det)

	require.NoError(t, buf.Append(ctx, "g", history))

	res, err := p.Memorize(ctx, []memory.RawMessage{fresh})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.StatusInfo)
	assert.Equal(t, "cell-1", res.RequestID, "request id is the memcell event id")

	// History reached the detector.
	assert.Len(t, det.seen.History, 2)

	// MemCell persisted and submitted.
	require.Len(t, docs.cells, 1)
	require.Len(t, sub.cells, 1)
	assert.Equal(t, "cell-1", sub.cells[0].EventID)

	// The episode consumed everything: the next window starts empty.
	window, err := buf.Get(ctx, "g", 1000)
	require.NoError(t, err)
	assert.Empty(t, window)

	last := docs.statuses[len(docs.statuses)-1]
	assert.Equal(t, fresh.CreatedAt, last.LastMemCellAt)
	assert.False(t, last.AwaitingBoundary)
}

func TestMemorize_BoundaryCarriesUnconsumedTail(t *testing.T) {
	ctx := context.Background()
	// The episode ends at n1; n2 arrives in the same batch and starts the
	// next window.
	n1 := msg("n1", t0.Add(time.Minute))
	n2 := msg("n2", t0.Add(2*time.Minute))
	cell := &memory.MemCell{
		GroupID:      "g",
		Participants: []string{"u1"},
		Timestamp:    n1.CreatedAt,
		OriginalData: []memory.RawMessage{msg("h1", t0), n1},
	}
	det := &fakeDetector{cell: cell, status: boundary.StatusBoundary}
	p, _, _, buf := newPipeline(t, det)

	require.NoError(t, buf.Append(ctx, "g", []memory.RawMessage{msg("h1", t0)}))

	res, err := p.Memorize(ctx, []memory.RawMessage{n1, n2})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.StatusInfo)

	window, err := buf.Get(ctx, "g", 1000)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "n2", window[0].MessageID)
	// Boundary monotonicity: everything left is newer than the memcell.
	assert.True(t, window[0].CreatedAt.After(cell.Timestamp))
}

func TestMemorize_SubmitFailureSurfaces(t *testing.T) {
	cell := &memory.MemCell{GroupID: "g", Timestamp: t0, OriginalData: []memory.RawMessage{msg("n1", t0)}}
	det := &fakeDetector{cell: cell, status: boundary.StatusBoundary}
	p, _, sub, _ := newPipeline(t, det)
	sub.err = fmt.Errorf("queue full")

	_, err := p.Memorize(context.Background(), []memory.RawMessage{msg("n1", t0)})
	require.Error(t, err)
}

func TestMemorize_MissingMetaUsesDefaults(t *testing.T) {
	det := &fakeDetector{status: boundary.StatusContinue}
	p, _, _, _ := newPipeline(t, det)

	_, err := p.Memorize(context.Background(), []memory.RawMessage{msg("m1", t0)})
	require.NoError(t, err)
	assert.Equal(t, "g", det.seen.GroupID)
}

func TestLocker_MutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewLocker(rdb)
	l.waitMax = 200 * time.Millisecond

	release, err := l.Acquire(context.Background(), "g")
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "g")
	assert.Error(t, err, "second acquire must time out while held")

	release()
	release2, err := l.Acquire(context.Background(), "g")
	require.NoError(t, err, "lock is free after release")
	release2()
}
