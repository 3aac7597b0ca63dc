package stores

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"memora/internal/memory"
)

// PGVectorIndex is the pgvector-backed vector arm. Episodes and foresights
// search by cosine distance (radius applies); event logs search by L2 and
// ignore radius.
type PGVectorIndex struct {
	pool *pgxpool.Pool
}

func NewPGVectorIndex(pool *pgxpool.Pool) *PGVectorIndex {
	return &PGVectorIndex{pool: pool}
}

func (v *PGVectorIndex) Insert(ctx context.Context, rows []VectorRow) error {
	for _, r := range rows {
		_, err := v.pool.Exec(ctx, `
			INSERT INTO vector_index (event_id, memory_type, user_id, group_id, subject, content, ts, start_time, end_time, embedding)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`,
			r.EventID, string(r.MemoryType), r.UserID, r.GroupID, r.Subject, r.Content,
			r.Timestamp, r.StartTime, r.EndTime, pgvector.NewVector(r.Embedding))
		if err != nil {
			return fmt.Errorf("vector index write: %w", err)
		}
	}
	return nil
}

func (v *PGVectorIndex) Search(ctx context.Context, vector []float32, filter SearchFilter, k int, radius float64) ([]memory.Retrieved, error) {
	vec := pgvector.NewVector(vector)
	cosine := filter.MemoryType != memory.TypeEventLog

	var sql string
	if cosine {
		sql = `
		SELECT event_id, memory_type, coalesce(user_id, ''), group_id, coalesce(subject, ''), content, ts,
		       1 - (embedding <=> $1) AS score
		FROM vector_index
		WHERE TRUE`
	} else {
		sql = `
		SELECT event_id, memory_type, coalesce(user_id, ''), group_id, coalesce(subject, ''), content, ts,
		       -(embedding <-> $1) AS score
		FROM vector_index
		WHERE TRUE`
	}
	args := []interface{}{vec}
	sql, args = applyFilter(sql, args, filter)
	if cosine && radius > 0 {
		args = append(args, 1-radius)
		sql += fmt.Sprintf(" AND (embedding <=> $1) <= $%d", len(args))
	}
	if cosine {
		sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", k)
	} else {
		sql += fmt.Sprintf(" ORDER BY embedding <-> $1 LIMIT %d", k)
	}

	rows, err := v.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []memory.Retrieved
	for rows.Next() {
		var h memory.Retrieved
		var mt string
		if err := rows.Scan(&h.EventID, &mt, &h.UserID, &h.GroupID, &h.Subject, &h.Content, &h.Timestamp, &h.Score); err != nil {
			return nil, fmt.Errorf("vector search scan: %w", err)
		}
		h.MemoryType = memory.MemoryType(mt)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
