// Package groupqueue implements the partitioned group queue: Redis-backed
// sorted queues keyed by group, with hash routing, consumer-owned partitions,
// rebalancing, keepalive, inactivity eviction, and admission control.
package groupqueue

import (
	"context"
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memora/internal/config"
)

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	NumPartitions  int            `json:"num_partitions"`
	TotalMessages  int64          `json:"total_messages"`
	TotalDelivered int64          `json:"total_delivered"`
	TotalConsumed  int64          `json:"total_consumed"`
	TotalRejected  int64          `json:"total_rejected"`
	Owners         []string       `json:"owners"`
	PartitionSizes map[int]int64  `json:"partition_sizes"`
	Assignments    map[int]string `json:"assignments"`
}

// Manager routes messages keyed by group_key into one of N fixed partitions.
// All traffic for a group key is serialized to one partition, and each
// partition is owned by exactly one consumer at a time.
type Manager struct {
	rdb           redis.UniversalClient
	codec         Codec
	keyPrefix     string
	numPartitions int
	maxTotal      int
	inactiveAfter time.Duration

	clock func() time.Time
}

// NewManager builds a queue manager from config. The key prefix namespaces
// all Redis keys so multiple managers can share one Redis.
func NewManager(rdb redis.UniversalClient, cfg config.QueueConfig) (*Manager, error) {
	codec, err := NewCodec(cfg.Serialization)
	if err != nil {
		return nil, err
	}
	return &Manager{
		rdb:           rdb,
		codec:         codec,
		keyPrefix:     cfg.KeyPrefix,
		numPartitions: cfg.NumPartitions,
		maxTotal:      cfg.MaxTotal,
		inactiveAfter: cfg.InactiveAfter,
		clock:         time.Now,
	}, nil
}

func (m *Manager) partitionKey(p int) string { return fmt.Sprintf("%s:q:%d", m.keyPrefix, p) }
func (m *Manager) ownersKey() string         { return m.keyPrefix + ":owners" }
func (m *Manager) assignKey() string         { return m.keyPrefix + ":assign" }
func (m *Manager) countKey() string          { return m.keyPrefix + ":count" }
func (m *Manager) statsKey() string          { return m.keyPrefix + ":stats" }

// Partition returns the fixed partition for a group key. MD5-based so the
// mapping is stable across nodes and restarts.
func (m *Manager) Partition(groupKey string) int {
	sum := md5.Sum([]byte(groupKey))
	n := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(n, big.NewInt(int64(m.numPartitions))).Int64())
}

// Deliver routes the item to its partition. It rejects when the total message
// count is at the cap and no partition is empty (the empty-partition bypass
// avoids starving idle groups behind busy ones).
func (m *Manager) Deliver(ctx context.Context, groupKey string, data []byte) (bool, error) {
	total, err := m.rdb.Get(ctx, m.countKey()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("queue count read: %w", err)
	}

	if total >= int64(m.maxTotal) {
		emptyExists, err := m.anyPartitionEmpty(ctx)
		if err != nil {
			return false, err
		}
		if !emptyExists {
			if err := m.rdb.HIncrBy(ctx, m.statsKey(), "rejected", 1).Err(); err != nil {
				log.Warn().Err(err).Msg("groupqueue_reject_stat_failed")
			}
			log.Warn().Str("group_key", groupKey).Int64("total", total).Msg("groupqueue_delivery_rejected")
			return false, nil
		}
	}

	now := m.clock()
	item := Item{
		ID:          newItemID(),
		GroupKey:    groupKey,
		Data:        data,
		DeliveredAt: now,
	}
	member, err := m.codec.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("queue item encode: %w", err)
	}

	p := m.Partition(groupKey)
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, m.partitionKey(p), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: member,
		})
		pipe.Incr(ctx, m.countKey())
		pipe.HIncrBy(ctx, m.statsKey(), "delivered", 1)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue deliver: %w", err)
	}
	return true, nil
}

func (m *Manager) anyPartitionEmpty(ctx context.Context) (bool, error) {
	cmds := make([]*redis.IntCmd, m.numPartitions)
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for p := 0; p < m.numPartitions; p++ {
			cmds[p] = pipe.ZCard(ctx, m.partitionKey(p))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue partition sizes: %w", err)
	}
	for _, c := range cmds {
		if c.Val() == 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetMessages returns one batch of ripe items across the partitions owned by
// ownerID. An item is ripe when its score is at least scoreThreshold old; the
// delay lets messages of the same in-flight episode be picked up together.
// Within a partition items come back score-ascending. Removing by member is
// safe because the owner is the partition's only consumer.
func (m *Manager) GetMessages(ctx context.Context, ownerID string, scoreThreshold time.Duration) ([]Item, error) {
	assignments, err := m.rdb.HGetAll(ctx, m.assignKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue assignments read: %w", err)
	}

	var owned []int
	for pStr, owner := range assignments {
		if owner != ownerID {
			continue
		}
		p, err := strconv.Atoi(pStr)
		if err != nil {
			continue
		}
		owned = append(owned, p)
	}
	sort.Ints(owned)

	ripeBefore := m.clock().Add(-scoreThreshold).UnixMilli()
	var items []Item
	for _, p := range owned {
		members, err := m.rdb.ZRangeByScore(ctx, m.partitionKey(p), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(ripeBefore, 10),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queue partition %d read: %w", p, err)
		}
		if len(members) == 0 {
			continue
		}

		removeArgs := make([]interface{}, len(members))
		for i, mem := range members {
			removeArgs[i] = mem
		}
		_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, m.partitionKey(p), removeArgs...)
			pipe.DecrBy(ctx, m.countKey(), int64(len(members)))
			pipe.HIncrBy(ctx, m.statsKey(), "consumed", int64(len(members)))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("queue partition %d consume: %w", p, err)
		}

		for _, mem := range members {
			item, err := m.codec.Unmarshal([]byte(mem))
			if err != nil {
				log.Error().Err(err).Int("partition", p).Msg("groupqueue_item_decode_failed")
				continue
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// JoinConsumer registers the owner and rebalances partitions across the new
// owner set.
func (m *Manager) JoinConsumer(ctx context.Context, ownerID string) error {
	if err := m.rdb.ZAdd(ctx, m.ownersKey(), redis.Z{
		Score:  float64(m.clock().UnixMilli()),
		Member: ownerID,
	}).Err(); err != nil {
		return fmt.Errorf("queue join: %w", err)
	}
	log.Info().Str("owner_id", ownerID).Msg("groupqueue_consumer_joined")
	return m.RebalancePartitions(ctx)
}

// ExitConsumer removes the owner and rebalances.
func (m *Manager) ExitConsumer(ctx context.Context, ownerID string) error {
	if err := m.rdb.ZRem(ctx, m.ownersKey(), ownerID).Err(); err != nil {
		return fmt.Errorf("queue exit: %w", err)
	}
	log.Info().Str("owner_id", ownerID).Msg("groupqueue_consumer_exited")
	return m.RebalancePartitions(ctx)
}

// KeepaliveConsumer refreshes the owner's liveness timestamp.
func (m *Manager) KeepaliveConsumer(ctx context.Context, ownerID string) error {
	if err := m.rdb.ZAddXX(ctx, m.ownersKey(), redis.Z{
		Score:  float64(m.clock().UnixMilli()),
		Member: ownerID,
	}).Err(); err != nil {
		return fmt.Errorf("queue keepalive: %w", err)
	}
	return nil
}

// RebalancePartitions distributes partitions deterministically: owners are
// sorted lexicographically and partitions assigned round-robin, so the
// difference between the largest and smallest per-owner count is at most one.
func (m *Manager) RebalancePartitions(ctx context.Context) error {
	owners, err := m.rdb.ZRange(ctx, m.ownersKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue owners read: %w", err)
	}
	sort.Strings(owners)

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.assignKey())
		if len(owners) == 0 {
			return nil
		}
		fields := make(map[string]interface{}, m.numPartitions)
		for p := 0; p < m.numPartitions; p++ {
			fields[strconv.Itoa(p)] = owners[p%len(owners)]
		}
		pipe.HSet(ctx, m.assignKey(), fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue rebalance: %w", err)
	}
	log.Debug().Int("owners", len(owners)).Msg("groupqueue_rebalanced")
	return nil
}

// CleanupInactiveOwners evicts owners whose last keepalive is older than the
// inactivity threshold, then rebalances. A crashed consumer's in-flight items
// stay in their zsets; delivery is at-least-once.
func (m *Manager) CleanupInactiveOwners(ctx context.Context) ([]string, error) {
	cutoff := m.clock().Add(-m.inactiveAfter).UnixMilli()
	stale, err := m.rdb.ZRangeByScore(ctx, m.ownersKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue stale owners read: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	members := make([]interface{}, len(stale))
	for i, s := range stale {
		members[i] = s
	}
	if err := m.rdb.ZRem(ctx, m.ownersKey(), members...).Err(); err != nil {
		return nil, fmt.Errorf("queue stale owners evict: %w", err)
	}
	log.Warn().Strs("owners", stale).Msg("groupqueue_inactive_owners_evicted")

	if err := m.RebalancePartitions(ctx); err != nil {
		return stale, err
	}
	return stale, nil
}

// Stats reads a snapshot of counters, sizes, owners, and assignments.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		NumPartitions:  m.numPartitions,
		PartitionSizes: make(map[int]int64),
		Assignments:    make(map[int]string),
	}

	total, err := m.rdb.Get(ctx, m.countKey()).Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	s.TotalMessages = total

	counters, err := m.rdb.HGetAll(ctx, m.statsKey()).Result()
	if err != nil {
		return nil, err
	}
	s.TotalDelivered, _ = strconv.ParseInt(counters["delivered"], 10, 64)
	s.TotalConsumed, _ = strconv.ParseInt(counters["consumed"], 10, 64)
	s.TotalRejected, _ = strconv.ParseInt(counters["rejected"], 10, 64)

	s.Owners, err = m.rdb.ZRange(ctx, m.ownersKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(s.Owners)

	sizes := make([]*redis.IntCmd, m.numPartitions)
	_, err = m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for p := 0; p < m.numPartitions; p++ {
			sizes[p] = pipe.ZCard(ctx, m.partitionKey(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for p, c := range sizes {
		s.PartitionSizes[p] = c.Val()
	}

	assignments, err := m.rdb.HGetAll(ctx, m.assignKey()).Result()
	if err != nil {
		return nil, err
	}
	for pStr, owner := range assignments {
		if p, err := strconv.Atoi(pStr); err == nil {
			s.Assignments[p] = owner
		}
	}
	return s, nil
}
