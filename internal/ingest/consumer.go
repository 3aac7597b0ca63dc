package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"memora/internal/groupqueue"
	"memora/internal/memory"
)

// Consumer drains the partitioned group queue into the pipeline. Each server
// process runs one consumer; partition ownership keeps per-group ordering.
type Consumer struct {
	queue    *groupqueue.Manager
	pipeline *Pipeline
	ownerID  string

	scoreThreshold time.Duration
	pollEvery      time.Duration
	keepaliveEvery time.Duration
	cleanupEvery   time.Duration
}

func NewConsumer(queue *groupqueue.Manager, pipeline *Pipeline, scoreThresholdMS int64) *Consumer {
	return &Consumer{
		queue:          queue,
		pipeline:       pipeline,
		ownerID:        "consumer-" + uuid.NewString(),
		scoreThreshold: time.Duration(scoreThresholdMS) * time.Millisecond,
		pollEvery:      time.Second,
		keepaliveEvery: 30 * time.Second,
		cleanupEvery:   time.Minute,
	}
}

// Run joins the owner set and polls until ctx ends, then exits cleanly.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.queue.JoinConsumer(ctx, c.ownerID); err != nil {
		return err
	}
	defer func() {
		exitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.queue.ExitConsumer(exitCtx, c.ownerID); err != nil {
			log.Warn().Err(err).Str("owner_id", c.ownerID).Msg("queue_exit_failed")
		}
	}()

	poll := time.NewTicker(c.pollEvery)
	keepalive := time.NewTicker(c.keepaliveEvery)
	cleanup := time.NewTicker(c.cleanupEvery)
	defer poll.Stop()
	defer keepalive.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if err := c.queue.KeepaliveConsumer(ctx, c.ownerID); err != nil {
				log.Warn().Err(err).Msg("queue_keepalive_failed")
			}
		case <-cleanup.C:
			if _, err := c.queue.CleanupInactiveOwners(ctx); err != nil {
				log.Warn().Err(err).Msg("queue_cleanup_failed")
			}
		case <-poll.C:
			c.drainOnce(ctx)
		}
	}
}

// drainOnce pulls one batch and feeds it to the pipeline, one Memorize call
// per group so boundary detection sees coherent batches.
func (c *Consumer) drainOnce(ctx context.Context) {
	items, err := c.queue.GetMessages(ctx, c.ownerID, c.scoreThreshold)
	if err != nil {
		log.Warn().Err(err).Msg("queue_poll_failed")
		return
	}
	if len(items) == 0 {
		return
	}

	byGroup := make(map[string][]memory.RawMessage)
	var order []string
	for _, item := range items {
		var msg memory.RawMessage
		if err := json.Unmarshal(item.Data, &msg); err != nil {
			log.Error().Err(err).Str("group_key", item.GroupKey).Msg("queue_message_decode_failed")
			continue
		}
		if _, seen := byGroup[item.GroupKey]; !seen {
			order = append(order, item.GroupKey)
		}
		byGroup[item.GroupKey] = append(byGroup[item.GroupKey], msg)
	}

	for _, groupKey := range order {
		msgs := byGroup[groupKey]
		if _, err := c.pipeline.Memorize(ctx, msgs); err != nil {
			log.Error().Err(err).Str("group_id", groupKey).Int("messages", len(msgs)).
				Msg("queue_memorize_failed")
		}
	}
}
