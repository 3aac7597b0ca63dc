// Package convbuffer keeps the per-conversation rolling message window in
// Redis: a capped list per group, read back in chronological order.
package convbuffer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memora/internal/memory"
)

// Buffer is the rolling message cache for boundary detection.
type Buffer struct {
	rdb       redis.UniversalClient
	keyPrefix string
	maxLength int
}

// New builds a buffer. maxLength bounds the window per group.
func New(rdb redis.UniversalClient, keyPrefix string, maxLength int) *Buffer {
	if keyPrefix == "" {
		keyPrefix = "memora:convbuf"
	}
	return &Buffer{rdb: rdb, keyPrefix: keyPrefix, maxLength: maxLength}
}

func (b *Buffer) key(groupID string) string {
	return fmt.Sprintf("%s:%s", b.keyPrefix, groupID)
}

// Get returns up to limit of the most recent messages, oldest first.
func (b *Buffer) Get(ctx context.Context, groupID string, limit int) ([]memory.RawMessage, error) {
	if limit <= 0 || limit > b.maxLength {
		limit = b.maxLength
	}
	raw, err := b.rdb.LRange(ctx, b.key(groupID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation buffer read: %w", err)
	}

	msgs := make([]memory.RawMessage, 0, len(raw))
	for _, r := range raw {
		var msg memory.RawMessage
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			log.Warn().Err(err).Str("group_id", groupID).Msg("convbuffer_decode_skipped")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Append pushes messages onto the window and trims it to maxLength.
func (b *Buffer) Append(ctx context.Context, groupID string, msgs []memory.RawMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("conversation buffer encode: %w", err)
		}
		values = append(values, data)
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, b.key(groupID), values...)
		pipe.LTrim(ctx, b.key(groupID), int64(-b.maxLength), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("conversation buffer append: %w", err)
	}
	return nil
}

// Clear drops the group's window; called when a MemCell closes an episode.
func (b *Buffer) Clear(ctx context.Context, groupID string) error {
	if err := b.rdb.Del(ctx, b.key(groupID)).Err(); err != nil {
		return fmt.Errorf("conversation buffer clear: %w", err)
	}
	return nil
}
