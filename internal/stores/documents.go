package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memora/internal/apperr"
	"memora/internal/memory"
)

// PGDocStore is the Postgres-backed document store.
type PGDocStore struct {
	pool *pgxpool.Pool
}

// NewPGDocStore wraps the shared pool.
func NewPGDocStore(pool *pgxpool.Pool) *PGDocStore {
	return &PGDocStore{pool: pool}
}

// --- MemCells ---

// InsertMemCell persists the cell and assigns its event_id.
func (s *PGDocStore) InsertMemCell(ctx context.Context, cell *memory.MemCell) error {
	cell.EventID = uuid.NewString()
	data, err := json.Marshal(cell.OriginalData)
	if err != nil {
		return fmt.Errorf("memcell encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memcells (event_id, group_id, group_name, participants, ts, data_type, original_data, summary, episode, subject)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cell.EventID, cell.GroupID, cell.GroupName, cell.Participants, cell.Timestamp,
		string(cell.Type), data, cell.Summary, cell.Episode, cell.Subject)
	if err != nil {
		return fmt.Errorf("memcell insert: %w", err)
	}
	return nil
}

// GetMemCell loads one cell by event_id.
func (s *PGDocStore) GetMemCell(ctx context.Context, eventID string) (*memory.MemCell, error) {
	var cell memory.MemCell
	var dataType string
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, group_id, coalesce(group_name, ''), participants, ts, data_type, original_data,
		       coalesce(summary, ''), coalesce(episode, ''), coalesce(subject, '')
		FROM memcells WHERE event_id = $1`, eventID).
		Scan(&cell.EventID, &cell.GroupID, &cell.GroupName, &cell.Participants, &cell.Timestamp,
			&dataType, &data, &cell.Summary, &cell.Episode, &cell.Subject)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("memcell %s not found", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("memcell get: %w", err)
	}
	cell.Type = memory.RawDataType(dataType)
	if err := json.Unmarshal(data, &cell.OriginalData); err != nil {
		return nil, fmt.Errorf("memcell decode: %w", err)
	}
	return &cell, nil
}

// UpdateMemCellEpisode back-propagates the extracted subject and episode.
// EventID, timestamp, and original_data stay immutable.
func (s *PGDocStore) UpdateMemCellEpisode(ctx context.Context, eventID, subject, episode string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memcells SET subject = $2, episode = $3 WHERE event_id = $1`,
		eventID, subject, episode)
	if err != nil {
		return fmt.Errorf("memcell update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("memcell %s not found", eventID)
	}
	return nil
}

// --- Conversation meta & status ---

// UpsertConversationMeta inserts or replaces the one-per-group description.
func (s *PGDocStore) UpsertConversationMeta(ctx context.Context, meta *memory.ConversationMeta) error {
	sceneDesc, err := json.Marshal(meta.SceneDesc)
	if err != nil {
		return fmt.Errorf("conversation meta encode: %w", err)
	}
	participants, err := json.Marshal(meta.Participants)
	if err != nil {
		return fmt.Errorf("conversation meta encode: %w", err)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_meta (group_id, name, description, scene, scene_desc, participants, default_timezone, version, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (group_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			scene = EXCLUDED.scene,
			scene_desc = EXCLUDED.scene_desc,
			participants = EXCLUDED.participants,
			default_timezone = EXCLUDED.default_timezone,
			version = EXCLUDED.version,
			tags = EXCLUDED.tags`,
		meta.GroupID, meta.Name, meta.Description, string(meta.Scene), sceneDesc,
		participants, meta.DefaultTimezone, meta.Version, meta.Tags, meta.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation meta upsert: %w", err)
	}
	return nil
}

// GetConversationMeta loads the meta for a group.
func (s *PGDocStore) GetConversationMeta(ctx context.Context, groupID string) (*memory.ConversationMeta, error) {
	var meta memory.ConversationMeta
	var scene string
	var sceneDesc, participants []byte
	err := s.pool.QueryRow(ctx, `
		SELECT group_id, coalesce(name, ''), coalesce(description, ''), scene, scene_desc, participants,
		       coalesce(default_timezone, ''), coalesce(version, ''), tags, created_at
		FROM conversation_meta WHERE group_id = $1`, groupID).
		Scan(&meta.GroupID, &meta.Name, &meta.Description, &scene, &sceneDesc, &participants,
			&meta.DefaultTimezone, &meta.Version, &meta.Tags, &meta.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation meta for group %s not found", groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation meta get: %w", err)
	}
	meta.Scene = memory.Scene(scene)
	if len(sceneDesc) > 0 {
		_ = json.Unmarshal(sceneDesc, &meta.SceneDesc)
	}
	if len(participants) > 0 {
		_ = json.Unmarshal(participants, &meta.Participants)
	}
	return &meta, nil
}

// UpsertConversationStatus writes the pipeline's progress row. last_message_at
// only moves forward.
func (s *PGDocStore) UpsertConversationStatus(ctx context.Context, st *memory.ConversationStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_status (group_id, last_message_at, last_memcell_at, awaiting_boundary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id) DO UPDATE SET
			last_message_at = GREATEST(conversation_status.last_message_at, EXCLUDED.last_message_at),
			last_memcell_at = GREATEST(conversation_status.last_memcell_at, EXCLUDED.last_memcell_at),
			awaiting_boundary = EXCLUDED.awaiting_boundary`,
		st.GroupID, st.LastMessageAt, st.LastMemCellAt, st.AwaitingBoundary)
	if err != nil {
		return fmt.Errorf("conversation status upsert: %w", err)
	}
	return nil
}

// GetConversationStatus loads the status row.
func (s *PGDocStore) GetConversationStatus(ctx context.Context, groupID string) (*memory.ConversationStatus, error) {
	var st memory.ConversationStatus
	var lastMsg, lastCell *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT group_id, last_message_at, last_memcell_at, awaiting_boundary
		FROM conversation_status WHERE group_id = $1`, groupID).
		Scan(&st.GroupID, &lastMsg, &lastCell, &st.AwaitingBoundary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation status for group %s not found", groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation status get: %w", err)
	}
	if lastMsg != nil {
		st.LastMessageAt = *lastMsg
	}
	if lastCell != nil {
		st.LastMemCellAt = *lastCell
	}
	return &st, nil
}

// --- Memories ---

func (s *PGDocStore) InsertEpisodics(ctx context.Context, items []*memory.EpisodicMemory) error {
	for _, it := range items {
		it.EventID = uuid.NewString()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO episodic_memories (event_id, parent_memcell_ids, user_id, group_id, ts, subject, episode, summary)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
			it.EventID, it.ParentMemCellIDs, it.UserID, it.GroupID, it.Timestamp, it.Subject, it.Episode, it.Summary)
		if err != nil {
			return fmt.Errorf("episodic insert: %w", err)
		}
	}
	return nil
}

func (s *PGDocStore) InsertSemantics(ctx context.Context, items []*memory.SemanticMemoryItem) error {
	for _, it := range items {
		it.EventID = uuid.NewString()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO semantic_memories (event_id, user_id, group_id, content, evidence, start_time, end_time, duration_days, source_episode_id, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.EventID, it.UserID, it.GroupID, it.Content, it.Evidence, it.StartTime, it.EndTime,
			it.DurationDays, it.SourceEpisodeID, it.Timestamp)
		if err != nil {
			return fmt.Errorf("semantic insert: %w", err)
		}
	}
	return nil
}

func (s *PGDocStore) InsertEventLogs(ctx context.Context, items []*memory.EventLog) error {
	for _, it := range items {
		if len(it.AtomicFacts) != len(it.FactEmbeddings) {
			return apperr.Fatal("event log facts/embeddings mismatch: %d vs %d",
				len(it.AtomicFacts), len(it.FactEmbeddings))
		}
		it.EventID = uuid.NewString()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO event_logs (event_id, parent_episode_id, user_id, group_id, ts, atomic_facts)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			it.EventID, it.ParentEpisodeID, it.UserID, it.GroupID, it.Time, it.AtomicFacts)
		if err != nil {
			return fmt.Errorf("event log insert: %w", err)
		}
	}
	return nil
}

func (s *PGDocStore) InsertForesights(ctx context.Context, items []*memory.Foresight) error {
	for _, it := range items {
		it.EventID = uuid.NewString()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO foresights (event_id, parent_episode_id, user_id, group_id, content, evidence, start_time, end_time, ts)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
			it.EventID, it.ParentEpisodeID, it.UserID, it.GroupID, it.Content, it.Evidence,
			it.StartTime, it.EndTime, it.Timestamp)
		if err != nil {
			return fmt.Errorf("foresight insert: %w", err)
		}
	}
	return nil
}

// ListEpisodeTexts returns the most recent episode narratives for a user in
// a group, newest first. Used to seed profile rebuilds.
func (s *PGDocStore) ListEpisodeTexts(ctx context.Context, groupID, userID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT episode FROM episodic_memories
		WHERE group_id = $1 AND user_id = $2
		ORDER BY ts DESC LIMIT $3`, groupID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("episodes list: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ep string
		if err := rows.Scan(&ep); err != nil {
			return nil, fmt.Errorf("episodes scan: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// InsertProfile assigns the next version and flips the previous latest row in
// one transaction, keeping exactly one is_latest row per (user, group).
func (s *PGDocStore) InsertProfile(ctx context.Context, p *memory.ProfileMemory) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("profile tx begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevVersion int
	err = tx.QueryRow(ctx, `
		SELECT coalesce(max(version), 0) FROM profile_memories WHERE user_id = $1 AND group_id = $2`,
		p.UserID, p.GroupID).Scan(&prevVersion)
	if err != nil {
		return fmt.Errorf("profile version read: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE profile_memories SET is_latest = FALSE
		WHERE user_id = $1 AND group_id = $2 AND is_latest`, p.UserID, p.GroupID); err != nil {
		return fmt.Errorf("profile flip latest: %w", err)
	}

	p.EventID = uuid.NewString()
	p.Version = prevVersion + 1
	p.IsLatest = true
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO profile_memories (event_id, user_id, group_id, version, is_latest, scenario, summary, interests, skills, traits, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10)`,
		p.EventID, p.UserID, p.GroupID, p.Version, p.Scenario, p.Summary,
		p.Interests, p.Skills, p.Traits, p.UpdatedAt); err != nil {
		return fmt.Errorf("profile insert: %w", err)
	}

	return tx.Commit(ctx)
}

// LatestProfile returns the single is_latest row for (user, group).
func (s *PGDocStore) LatestProfile(ctx context.Context, userID, groupID string) (*memory.ProfileMemory, error) {
	var p memory.ProfileMemory
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, user_id, group_id, version, is_latest, coalesce(scenario, ''), summary, interests, skills, traits, updated_at
		FROM profile_memories WHERE user_id = $1 AND group_id = $2 AND is_latest`,
		userID, groupID).
		Scan(&p.EventID, &p.UserID, &p.GroupID, &p.Version, &p.IsLatest, &p.Scenario,
			&p.Summary, &p.Interests, &p.Skills, &p.Traits, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("profile for user %s in group %s not found", userID, groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("profile get: %w", err)
	}
	return &p, nil
}
