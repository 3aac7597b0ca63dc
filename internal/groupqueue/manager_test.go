package groupqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/config"
)

func newTestManager(t *testing.T, cfg config.QueueConfig) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "test:gq"
	}
	if cfg.NumPartitions == 0 {
		cfg.NumPartitions = 50
	}
	if cfg.MaxTotal == 0 {
		cfg.MaxTotal = 1000
	}
	if cfg.InactiveAfter == 0 {
		cfg.InactiveAfter = 5 * time.Minute
	}
	m, err := NewManager(rdb, cfg)
	require.NoError(t, err)
	return m, mr
}

func TestPartition_Stable(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{})
	m2, _ := newTestManager(t, config.QueueConfig{})

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("group-%d", i)
		p := m.Partition(key)
		assert.Equal(t, p, m.Partition(key), "same call must route identically")
		assert.Equal(t, p, m2.Partition(key), "routing must be stable across managers")
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 50)
	}
}

func TestPartition_Distribution(t *testing.T) {
	m, _ := newTestManager(t, config.QueueConfig{})

	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		counts[m.Partition(fmt.Sprintf("group-key-%d", i))]++
	}
	for p := 0; p < 50; p++ {
		c := counts[p]
		assert.GreaterOrEqual(t, c, 2, "partition %d starved", p)
		assert.LessOrEqual(t, c, 100, "partition %d overloaded", p)
	}
}

func TestDeliverAndGetMessages(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 4})

	require.NoError(t, m.JoinConsumer(ctx, "owner-a"))

	ok, err := m.Deliver(ctx, "group-1", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Deliver(ctx, "group-1", []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.True(t, ok)

	items, err := m.GetMessages(ctx, "owner-a", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "group-1", items[0].GroupKey)
	assert.JSONEq(t, `{"n":1}`, string(items[0].Data))
	assert.JSONEq(t, `{"n":2}`, string(items[1].Data))

	// Queue is drained.
	items, err = m.GetMessages(ctx, "owner-a", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.TotalDelivered)
	assert.Equal(t, int64(2), stats.TotalConsumed)
}

func TestDeliver_ScoreThresholdDelaysPickup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 2})

	base := time.Now()
	m.clock = func() time.Time { return base }
	require.NoError(t, m.JoinConsumer(ctx, "owner-a"))

	ok, err := m.Deliver(ctx, "g", []byte("x"))
	require.NoError(t, err)
	require.True(t, ok)

	// Too fresh under a 10s threshold.
	items, err := m.GetMessages(ctx, "owner-a", 10*time.Second)
	require.NoError(t, err)
	assert.Empty(t, items)

	// Ripe once the clock advances past the threshold.
	m.clock = func() time.Time { return base.Add(11 * time.Second) }
	items, err = m.GetMessages(ctx, "owner-a", 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDeliver_AdmissionRejects(t *testing.T) {
	ctx := context.Background()
	// Two partitions, cap 2: fill both partitions to saturate the queue.
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 2, MaxTotal: 2})

	// Find keys that land on each partition.
	var key0, key1 string
	for i := 0; key0 == "" || key1 == ""; i++ {
		k := fmt.Sprintf("g-%d", i)
		if m.Partition(k) == 0 && key0 == "" {
			key0 = k
		}
		if m.Partition(k) == 1 && key1 == "" {
			key1 = k
		}
	}

	ok, err := m.Deliver(ctx, key0, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Deliver(ctx, key1, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)

	// Cap reached and no partition empty: reject without mutation.
	ok, err = m.Deliver(ctx, key0, []byte("c"))
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Equal(t, int64(1), stats.TotalRejected)
}

func TestDeliver_EmptyPartitionBypass(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 2, MaxTotal: 1})

	var key0 string
	for i := 0; ; i++ {
		k := fmt.Sprintf("g-%d", i)
		if m.Partition(k) == 0 {
			key0 = k
			break
		}
	}

	ok, err := m.Deliver(ctx, key0, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	// Cap reached but partition 1 is empty, so delivery is still admitted.
	ok, err = m.Deliver(ctx, key0, []byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMessages_ScoreOrderWithinPartition(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 1})

	base := time.Now()
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		m.clock = func() time.Time { return tick }
		ok, err := m.Deliver(ctx, "g", []byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}

	m.clock = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, m.JoinConsumer(ctx, "o"))
	items, err := m.GetMessages(ctx, "o", 0)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, it := range items {
		assert.Equal(t, fmt.Sprintf("%d", i), string(it.Data))
	}
}

func TestRebalance_Fairness(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 50})

	for i := 1; i <= 7; i++ {
		require.NoError(t, m.JoinConsumer(ctx, fmt.Sprintf("consumer-%d", i)))
	}

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Assignments, 50, "no partition may be unassigned")

	perOwner := make(map[string]int)
	for _, owner := range stats.Assignments {
		perOwner[owner]++
	}
	require.Len(t, perOwner, 7)

	minP, maxP := 50, 0
	sevens, eights := 0, 0
	for _, n := range perOwner {
		if n < minP {
			minP = n
		}
		if n > maxP {
			maxP = n
		}
		switch n {
		case 7:
			sevens++
		case 8:
			eights++
		}
	}
	assert.LessOrEqual(t, maxP-minP, 1)
	assert.Equal(t, 6, sevens)
	assert.Equal(t, 1, eights)
}

func TestCleanupInactiveOwners(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 50, InactiveAfter: time.Minute})

	base := time.Now()
	m.clock = func() time.Time { return base }
	require.NoError(t, m.JoinConsumer(ctx, "alive"))
	require.NoError(t, m.JoinConsumer(ctx, "stale"))

	// Only "alive" keeps its heartbeat fresh.
	m.clock = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, m.KeepaliveConsumer(ctx, "alive"))

	evicted, err := m.CleanupInactiveOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, evicted)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, stats.Owners)
	require.Len(t, stats.Assignments, 50)
	for p, owner := range stats.Assignments {
		assert.Equal(t, "alive", owner, "partition %d must move to the survivor", p)
	}
}

func TestExitConsumer_Reassigns(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 10})

	require.NoError(t, m.JoinConsumer(ctx, "a"))
	require.NoError(t, m.JoinConsumer(ctx, "b"))
	require.NoError(t, m.ExitConsumer(ctx, "a"))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	for _, owner := range stats.Assignments {
		assert.Equal(t, "b", owner)
	}
}

func TestCodec_BSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.QueueConfig{NumPartitions: 2, Serialization: "bson"})

	require.NoError(t, m.JoinConsumer(ctx, "o"))
	ok, err := m.Deliver(ctx, "g", []byte{0x00, 0x01, 0xff})
	require.NoError(t, err)
	require.True(t, ok)

	items, err := m.GetMessages(ctx, "o", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, items[0].Data)
	assert.Equal(t, "g", items[0].GroupKey)
}

func TestNewCodec_Unknown(t *testing.T) {
	_, err := NewCodec("xml")
	assert.Error(t, err)
}
