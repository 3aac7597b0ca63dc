// Package ingest orchestrates memorization: conversation buffer reads,
// boundary decisions, MemCell persistence, and submission to the extraction
// worker. Per group, calls are serialized by the queue's single owner plus an
// advisory lock.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"memora/internal/apperr"
	"memora/internal/boundary"
	"memora/internal/config"
	"memora/internal/memory"
)

// StatusSubmitted and StatusAccumulated are the caller-visible outcomes.
const (
	StatusSubmitted   = "submitted"
	StatusAccumulated = "accumulated"
)

// MetaStore is the slice of the document store the pipeline needs.
type MetaStore interface {
	GetConversationMeta(ctx context.Context, groupID string) (*memory.ConversationMeta, error)
	UpsertConversationStatus(ctx context.Context, st *memory.ConversationStatus) error
	InsertMemCell(ctx context.Context, cell *memory.MemCell) error
}

// MessageBuffer is the conversation buffer contract.
type MessageBuffer interface {
	Get(ctx context.Context, groupID string, limit int) ([]memory.RawMessage, error)
	Append(ctx context.Context, groupID string, msgs []memory.RawMessage) error
	Clear(ctx context.Context, groupID string) error
}

// Detector decides whether the accumulated window closed an episode.
type Detector interface {
	Decide(ctx context.Context, in boundary.DecideInput) (*memory.MemCell, boundary.Status, error)
}

// Submitter hands completed MemCells to the extraction worker.
type Submitter interface {
	Submit(cell *memory.MemCell, meta *memory.ConversationMeta) (string, error)
}

// GroupLocker serializes in-flight calls per group.
type GroupLocker interface {
	Acquire(ctx context.Context, groupID string) (func(), error)
}

// Result is the outcome of one Memorize call.
type Result struct {
	RequestID  string `json:"request_id,omitempty"`
	StatusInfo string `json:"status_info"`
}

// Pipeline wires the ingestion flow together.
type Pipeline struct {
	docs     MetaStore
	buffer   MessageBuffer
	detector Detector
	worker   Submitter
	locker   GroupLocker
	cfg      config.BoundaryConfig

	clock func() time.Time
}

func NewPipeline(docs MetaStore, buffer MessageBuffer, detector Detector, worker Submitter, locker GroupLocker, cfg config.BoundaryConfig) *Pipeline {
	return &Pipeline{
		docs:     docs,
		buffer:   buffer,
		detector: detector,
		worker:   worker,
		locker:   locker,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Memorize runs the ingestion protocol for one batch of new messages, all
// belonging to the same group.
func (p *Pipeline) Memorize(ctx context.Context, msgs []memory.RawMessage) (*Result, error) {
	if len(msgs) == 0 {
		return nil, apperr.Invalid("no messages to memorize")
	}
	groupID := msgs[0].GroupID
	if groupID == "" {
		return nil, apperr.Invalid("group_id is required")
	}
	for _, m := range msgs {
		if m.GroupID != groupID {
			return nil, apperr.Invalid("all messages must share one group_id")
		}
		if m.Content == "" {
			return nil, apperr.Invalid("message %s has empty content", m.MessageID)
		}
	}

	release, err := p.locker.Acquire(ctx, groupID)
	if err != nil {
		return nil, apperr.Transient(err, "group lock")
	}
	defer release()

	meta, err := p.docs.GetConversationMeta(ctx, groupID)
	if err != nil {
		if !apperr.IsNotFound(err) {
			return nil, err
		}
		meta = &memory.ConversationMeta{GroupID: groupID, Scene: memory.SceneOther}
	}

	history, err := p.buffer.Get(ctx, groupID, p.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	var tz *time.Location
	if meta.DefaultTimezone != "" {
		tz, _ = time.LoadLocation(meta.DefaultTimezone)
	}
	participants := make([]string, 0, len(meta.Participants))
	for id := range meta.Participants {
		participants = append(participants, id)
	}

	cell, status, err := p.detector.Decide(ctx, boundary.DecideInput{
		History:      history,
		New:          msgs,
		GroupID:      groupID,
		GroupName:    meta.Name,
		Participants: participants,
		RawDataType:  memory.RawDataConversation,
		Timezone:     tz,
	})
	if err != nil {
		return nil, err
	}

	if status != boundary.StatusBoundary {
		if err := p.buffer.Append(ctx, groupID, msgs); err != nil {
			return nil, err
		}
		p.updateStatus(ctx, groupID, msgs, time.Time{}, status == boundary.StatusWait)
		return &Result{StatusInfo: StatusAccumulated}, nil
	}

	// The next window starts with whatever part of the new batch the episode
	// did not consume.
	if err := p.buffer.Clear(ctx, groupID); err != nil {
		return nil, err
	}
	var carry []memory.RawMessage
	for _, m := range msgs {
		if m.CreatedAt.After(cell.Timestamp) {
			carry = append(carry, m)
		}
	}
	if len(carry) > 0 {
		if err := p.buffer.Append(ctx, groupID, carry); err != nil {
			return nil, err
		}
	}

	if err := p.docs.InsertMemCell(ctx, cell); err != nil {
		return nil, err
	}

	requestID, err := p.worker.Submit(cell, meta)
	if err != nil {
		return nil, apperr.Transient(err, "extraction submit")
	}

	p.updateStatus(ctx, groupID, msgs, cell.Timestamp, false)
	log.Info().Str("group_id", groupID).Str("event_id", cell.EventID).
		Int("messages", len(cell.OriginalData)).Msg("memcell_submitted")
	return &Result{RequestID: requestID, StatusInfo: StatusSubmitted}, nil
}

func (p *Pipeline) updateStatus(ctx context.Context, groupID string, msgs []memory.RawMessage, memcellAt time.Time, awaiting bool) {
	lastMessageAt := p.clock()
	if last := msgs[len(msgs)-1].CreatedAt; last.After(lastMessageAt) {
		lastMessageAt = last
	}
	st := &memory.ConversationStatus{
		GroupID:          groupID,
		LastMessageAt:    lastMessageAt,
		LastMemCellAt:    memcellAt,
		AwaitingBoundary: awaiting,
	}
	if err := p.docs.UpsertConversationStatus(ctx, st); err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("conversation_status_update_failed")
	}
}
