package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"memora/internal/memory"
)

// PGTextIndex is the full-text arm on Postgres tsvector with ts_rank scoring.
type PGTextIndex struct {
	pool *pgxpool.Pool
}

func NewPGTextIndex(pool *pgxpool.Pool) *PGTextIndex {
	return &PGTextIndex{pool: pool}
}

// Index appends field-mapped documents; tsv is generated by the table.
func (t *PGTextIndex) Index(ctx context.Context, docs []TextDoc) error {
	for _, d := range docs {
		_, err := t.pool.Exec(ctx, `
			INSERT INTO text_index (event_id, memory_type, user_id, group_id, subject, content, ts, start_time, end_time)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
			d.EventID, string(d.MemoryType), d.UserID, d.GroupID, d.Subject, d.Content,
			d.Timestamp, d.StartTime, d.EndTime)
		if err != nil {
			return fmt.Errorf("text index write: %w", err)
		}
	}
	return nil
}

// Search runs a ranked OR-term query scoped by the filter.
func (t *PGTextIndex) Search(ctx context.Context, query string, filter SearchFilter, size int) ([]memory.Retrieved, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	tsquery := strings.Join(terms, " | ")

	sql := `
		SELECT event_id, memory_type, coalesce(user_id, ''), group_id, coalesce(subject, ''), content, ts,
		       ts_rank(tsv, to_tsquery('simple', $1)) AS rank
		FROM text_index
		WHERE tsv @@ to_tsquery('simple', $1)`
	args := []interface{}{tsquery}
	sql, args = applyFilter(sql, args, filter)
	sql += fmt.Sprintf(" ORDER BY rank DESC, ts DESC, event_id ASC LIMIT %d", size)

	rows, err := t.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	var hits []memory.Retrieved
	for rows.Next() {
		var h memory.Retrieved
		var mt string
		if err := rows.Scan(&h.EventID, &mt, &h.UserID, &h.GroupID, &h.Subject, &h.Content, &h.Timestamp, &h.Score); err != nil {
			return nil, fmt.Errorf("text search scan: %w", err)
		}
		h.MemoryType = memory.MemoryType(mt)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// applyFilter appends the shared scope predicates used by both index arms.
func applyFilter(sql string, args []interface{}, f SearchFilter) (string, []interface{}) {
	idx := len(args)
	if f.MemoryType != "" {
		idx++
		sql += fmt.Sprintf(" AND memory_type = $%d", idx)
		args = append(args, string(f.MemoryType))
	}
	if f.GroupID != "" {
		idx++
		sql += fmt.Sprintf(" AND group_id = $%d", idx)
		args = append(args, f.GroupID)
	}
	if f.UserID != "" {
		idx++
		sql += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		idx++
		sql += fmt.Sprintf(" AND ts >= $%d", idx)
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		idx++
		sql += fmt.Sprintf(" AND ts <= $%d", idx)
		args = append(args, f.Until)
	}
	if f.ValidAt != nil {
		idx++
		sql += fmt.Sprintf(" AND (start_time IS NULL OR start_time <= $%d)", idx)
		args = append(args, *f.ValidAt)
		idx++
		sql += fmt.Sprintf(" AND (end_time IS NULL OR end_time >= $%d)", idx)
		args = append(args, *f.ValidAt)
	}
	return sql, args
}
