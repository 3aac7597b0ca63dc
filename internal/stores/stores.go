// Package stores persists memories across three backends: the document store
// (source of truth), the full-text index, and the vector index. The facade
// performs the triple write; the index arms are deliberately allowed to lag
// behind the document store and are reconciled out of band.
package stores

import (
	"context"
	"time"

	"memora/internal/memory"
)

// TextDoc is the field-mapped full-text index document.
type TextDoc struct {
	EventID    string
	MemoryType memory.MemoryType
	UserID     string
	GroupID    string
	Subject    string
	Content    string
	Timestamp  time.Time
	StartTime  *time.Time
	EndTime    *time.Time
}

// VectorRow is one row of the vector index.
type VectorRow struct {
	EventID    string
	MemoryType memory.MemoryType
	UserID     string
	GroupID    string
	Content    string
	Subject    string
	Timestamp  time.Time
	StartTime  *time.Time
	EndTime    *time.Time
	Embedding  []float32
}

// SearchFilter scopes text and vector searches. Zero times mean unbounded;
// an empty UserID means group scope (no user constraint).
type SearchFilter struct {
	MemoryType memory.MemoryType
	UserID     string
	GroupID    string
	Since      time.Time
	Until      time.Time
	// ValidAt filters items whose [start_time, end_time] window contains the
	// instant (foresight validity).
	ValidAt *time.Time
}

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// DocStore is the document-store contract used by the facade and worker.
// Insert methods assign EventIDs on the passed items in place.
type DocStore interface {
	InsertEpisodics(ctx context.Context, items []*memory.EpisodicMemory) error
	InsertSemantics(ctx context.Context, items []*memory.SemanticMemoryItem) error
	InsertEventLogs(ctx context.Context, items []*memory.EventLog) error
	InsertForesights(ctx context.Context, items []*memory.Foresight) error
	// InsertProfile assigns the next version and flips the previous latest row
	// to is_latest=false in the same transaction.
	InsertProfile(ctx context.Context, p *memory.ProfileMemory) error
	LatestProfile(ctx context.Context, userID, groupID string) (*memory.ProfileMemory, error)
}

// TextIndex is the full-text arm.
type TextIndex interface {
	Index(ctx context.Context, docs []TextDoc) error
	Search(ctx context.Context, query string, filter SearchFilter, size int) ([]memory.Retrieved, error)
}

// VectorIndex is the vector arm. Radius applies only to cosine-metric types
// (episode, semantic, foresight); event logs search by L2 and ignore it.
type VectorIndex interface {
	Insert(ctx context.Context, rows []VectorRow) error
	Search(ctx context.Context, vector []float32, filter SearchFilter, k int, radius float64) ([]memory.Retrieved, error)
}
