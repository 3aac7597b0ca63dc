package stores

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// EnsureSchema creates the document-store tables, the full-text index table,
// and the pgvector index table when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memcells (
			event_id UUID PRIMARY KEY,
			group_id TEXT NOT NULL,
			group_name TEXT,
			participants TEXT[] NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			data_type TEXT NOT NULL,
			original_data JSONB NOT NULL,
			summary TEXT,
			episode TEXT,
			subject TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS memcells_group_ts_idx ON memcells (group_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS conversation_meta (
			group_id TEXT PRIMARY KEY,
			name TEXT,
			description TEXT,
			scene TEXT NOT NULL,
			scene_desc JSONB,
			participants JSONB,
			default_timezone TEXT,
			version TEXT,
			tags TEXT[],
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_status (
			group_id TEXT PRIMARY KEY,
			last_message_at TIMESTAMPTZ,
			last_memcell_at TIMESTAMPTZ,
			awaiting_boundary BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS episodic_memories (
			event_id UUID PRIMARY KEY,
			parent_memcell_ids TEXT[] NOT NULL,
			user_id TEXT,
			group_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			subject TEXT,
			episode TEXT NOT NULL,
			summary TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS episodic_group_user_idx ON episodic_memories (group_id, user_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS semantic_memories (
			event_id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			content TEXT NOT NULL,
			evidence TEXT,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			duration_days INT,
			source_episode_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_logs (
			event_id UUID PRIMARY KEY,
			parent_episode_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			atomic_facts TEXT[] NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profile_memories (
			event_id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			version INT NOT NULL,
			is_latest BOOLEAN NOT NULL,
			scenario TEXT,
			summary TEXT NOT NULL,
			interests TEXT[],
			skills TEXT[],
			traits TEXT[],
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS profile_latest_idx
			ON profile_memories (user_id, group_id) WHERE is_latest`,
		`CREATE TABLE IF NOT EXISTS foresights (
			event_id UUID PRIMARY KEY,
			parent_episode_id TEXT NOT NULL,
			user_id TEXT,
			group_id TEXT NOT NULL,
			content TEXT NOT NULL,
			evidence TEXT,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS text_index (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			user_id TEXT,
			group_id TEXT NOT NULL,
			subject TEXT,
			content TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			tsv TSVECTOR GENERATED ALWAYS AS (to_tsvector('simple', coalesce(subject, '') || ' ' || content)) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS text_index_tsv_idx ON text_index USING GIN (tsv)`,
		`CREATE INDEX IF NOT EXISTS text_index_scope_idx ON text_index (memory_type, group_id, user_id, ts DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_index (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			user_id TEXT,
			group_id TEXT NOT NULL,
			subject TEXT,
			content TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			embedding vector(%d) NOT NULL
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS vector_index_embedding_idx
			ON vector_index USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS vector_index_scope_idx ON vector_index (memory_type, group_id, user_id)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Info().Int("embedding_dim", embeddingDim).Msg("stores_schema_ready")
	return nil
}
