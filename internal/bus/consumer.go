// Package bus drains the upstream Kafka message stream into the partitioned
// group queue, which acts as the inbound shock absorber ahead of ingestion.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"memora/internal/config"
	"memora/internal/groupqueue"
	"memora/internal/memory"
)

// Consumer copies RawMessage envelopes from Kafka into the group queue.
// A message whose deliver fails or is rejected is retried in place until the
// queue accepts it; its offset commits only after that (at-least-once).
type Consumer struct {
	reader *kafka.Reader
	queue  *groupqueue.Manager
}

func NewConsumer(cfg config.BusConfig, queue *groupqueue.Manager) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, queue: queue}
}

// Run fetches until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("bus_reader_close_failed")
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn().Err(err).Msg("bus_fetch_failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		var msg memory.RawMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			// Malformed payloads cannot be retried; commit and move on.
			log.Error().Err(err).Int64("offset", m.Offset).Msg("bus_message_malformed")
			_ = c.reader.CommitMessages(ctx, m)
			continue
		}
		if msg.GroupID == "" {
			log.Error().Int64("offset", m.Offset).Msg("bus_message_missing_group_id")
			_ = c.reader.CommitMessages(ctx, m)
			continue
		}

		// The reader does not rewind to uncommitted offsets, so a failed or
		// rejected deliver backs off and retries the same message.
		for {
			accepted, err := c.queue.Deliver(ctx, msg.GroupID, m.Value)
			if err == nil && accepted {
				break
			}
			if err != nil {
				log.Warn().Err(err).Str("group_id", msg.GroupID).Msg("bus_deliver_failed")
			} else {
				log.Warn().Str("group_id", msg.GroupID).Msg("bus_deliver_rejected_backpressure")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("bus_commit_failed")
		}
	}
}
