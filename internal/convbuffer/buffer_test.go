package convbuffer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/memory"
)

func newTestBuffer(t *testing.T, maxLength int) *Buffer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test:buf", maxLength)
}

func msg(i int) memory.RawMessage {
	return memory.RawMessage{
		MessageID: fmt.Sprintf("m-%d", i),
		GroupID:   "g",
		SenderID:  "u1",
		Content:   fmt.Sprintf("message %d", i),
		CreatedAt: time.Date(2026, 3, 1, 10, 0, i, 0, time.UTC),
	}
}

func TestAppendAndGet_Chronological(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 100)

	require.NoError(t, b.Append(ctx, "g", []memory.RawMessage{msg(0), msg(1)}))
	require.NoError(t, b.Append(ctx, "g", []memory.RawMessage{msg(2)}))

	got, err := b.Get(ctx, "g", 1000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m-%d", i), m.MessageID)
	}
}

func TestAppend_RingBound(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 5)

	for i := 0; i < 12; i++ {
		require.NoError(t, b.Append(ctx, "g", []memory.RawMessage{msg(i)}))
	}

	got, err := b.Get(ctx, "g", 1000)
	require.NoError(t, err)
	require.Len(t, got, 5, "window must stay bounded")
	assert.Equal(t, "m-7", got[0].MessageID)
	assert.Equal(t, "m-11", got[4].MessageID)
}

func TestGet_Limit(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 100)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Append(ctx, "g", []memory.RawMessage{msg(i)}))
	}

	got, err := b.Get(ctx, "g", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Most recent three, oldest first.
	assert.Equal(t, "m-7", got[0].MessageID)
	assert.Equal(t, "m-9", got[2].MessageID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 100)

	require.NoError(t, b.Append(ctx, "g", []memory.RawMessage{msg(0)}))
	require.NoError(t, b.Clear(ctx, "g"))

	got, err := b.Get(ctx, "g", 1000)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGroupsIsolated(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 100)

	require.NoError(t, b.Append(ctx, "g1", []memory.RawMessage{msg(0)}))
	require.NoError(t, b.Append(ctx, "g2", []memory.RawMessage{msg(1)}))

	got1, err := b.Get(ctx, "g1", 1000)
	require.NoError(t, err)
	got2, err := b.Get(ctx, "g2", 1000)
	require.NoError(t, err)
	assert.Len(t, got1, 1)
	assert.Len(t, got2, 1)
	assert.NotEqual(t, got1[0].MessageID, got2[0].MessageID)
}
