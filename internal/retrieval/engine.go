// Package retrieval serves memory queries: BM25, vector, and hybrid RRF
// modes over the persisted memory types, plus an optional multi-round
// agentic loop.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"memora/internal/apperr"
	"memora/internal/config"
	"memora/internal/embeddings"
	"memora/internal/memory"
	"memora/internal/stores"
)

// Modes and data sources accepted by the HTTP surface.
const (
	ModeBM25      = "bm25"
	ModeEmbedding = "embedding"
	ModeRRF       = "rrf"
)

var dataSources = map[string]memory.MemoryType{
	"episode":   memory.TypeEpisodic,
	"semantic":  memory.TypeSemantic,
	"event_log": memory.TypeEventLog,
	"foresight": memory.TypeForesight,
	"profile":   memory.TypeProfile,
}

// Request is one lightweight retrieval call.
type Request struct {
	Query         string     `json:"query"`
	UserID        string     `json:"user_id,omitempty"`
	GroupID       string     `json:"group_id,omitempty"`
	TimeRangeDays int        `json:"time_range_days,omitempty"`
	TopK          int        `json:"top_k,omitempty"`
	Mode          string     `json:"retrieval_mode,omitempty"`
	DataSource    string     `json:"data_source,omitempty"`
	CurrentTime   *time.Time `json:"current_time,omitempty"`
	Radius        float64    `json:"radius,omitempty"`
}

// Metadata reports how a retrieval was served.
type Metadata struct {
	RetrievalMode  string   `json:"retrieval_mode"`
	TotalLatencyMS int64    `json:"total_latency_ms"`
	EmbCount       int      `json:"emb_count"`
	BM25Count      int      `json:"bm25_count"`
	FinalCount     int      `json:"final_count"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Result is the retrieval response body.
type Result struct {
	Memories []memory.Retrieved `json:"memories"`
	Count    int                `json:"count"`
	Metadata Metadata           `json:"metadata"`
}

// Engine runs retrievals over the text and vector arms.
type Engine struct {
	text     stores.TextIndex
	vectors  stores.VectorIndex
	docs     stores.DocStore
	embedder embeddings.Embedder
	cfg      config.RetrievalConfig

	clock func() time.Time
}

func NewEngine(text stores.TextIndex, vectors stores.VectorIndex, docs stores.DocStore, embedder embeddings.Embedder, cfg config.RetrievalConfig) *Engine {
	return &Engine{
		text:     text,
		vectors:  vectors,
		docs:     docs,
		embedder: embedder,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// RetrieveLightweight validates, dispatches by mode, and returns ranked
// memories. Profile requests bypass the indexes and read the latest row.
func (e *Engine) RetrieveLightweight(ctx context.Context, req Request) (*Result, error) {
	start := e.clock()

	memType, ok := dataSources[req.DataSource]
	if !ok {
		return nil, apperr.Invalid("unknown data_source %q", req.DataSource)
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.Mode == "" {
		req.Mode = ModeRRF
	}

	if memType == memory.TypeProfile {
		return e.retrieveProfile(ctx, req, start)
	}
	if req.Query == "" {
		return nil, apperr.Invalid("query is required for data_source %q", req.DataSource)
	}

	filter := e.buildFilter(req, memType)

	var (
		hits     []memory.Retrieved
		meta     Metadata
		err      error
	)
	switch req.Mode {
	case ModeBM25:
		hits, err = e.text.Search(ctx, req.Query, filter, req.TopK)
		if err != nil {
			return nil, fmt.Errorf("bm25 retrieval: %w", err)
		}
		meta.BM25Count = len(hits)
	case ModeEmbedding:
		hits, err = e.vectorSearch(ctx, req, filter, req.TopK)
		if err != nil {
			return nil, fmt.Errorf("embedding retrieval: %w", err)
		}
		meta.EmbCount = len(hits)
	case ModeRRF:
		hits, meta = e.fused(ctx, req, filter)
	default:
		return nil, apperr.Invalid("unknown retrieval_mode %q", req.Mode)
	}

	hits = stableRank(hits)
	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}

	meta.RetrievalMode = req.Mode
	meta.FinalCount = len(hits)
	meta.TotalLatencyMS = e.clock().Sub(start).Milliseconds()
	return &Result{Memories: hits, Count: len(hits), Metadata: meta}, nil
}

func (e *Engine) retrieveProfile(ctx context.Context, req Request, start time.Time) (*Result, error) {
	if req.UserID == "" || req.GroupID == "" {
		return nil, apperr.Invalid("profile retrieval requires user_id and group_id")
	}
	p, err := e.docs.LatestProfile(ctx, req.UserID, req.GroupID)
	if err != nil {
		return nil, err
	}
	hit := memory.Retrieved{
		EventID:    p.EventID,
		MemoryType: memory.TypeProfile,
		UserID:     p.UserID,
		GroupID:    p.GroupID,
		Content:    p.Summary,
		Timestamp:  p.UpdatedAt,
		Score:      1,
	}
	return &Result{
		Memories: []memory.Retrieved{hit},
		Count:    1,
		Metadata: Metadata{
			RetrievalMode:  "profile",
			FinalCount:     1,
			TotalLatencyMS: e.clock().Sub(start).Milliseconds(),
		},
	}, nil
}

func (e *Engine) buildFilter(req Request, memType memory.MemoryType) stores.SearchFilter {
	filter := stores.SearchFilter{
		MemoryType: memType,
		UserID:     req.UserID,
		GroupID:    req.GroupID,
	}
	if req.TimeRangeDays > 0 {
		now := e.clock()
		filter.Since = now.Add(-time.Duration(req.TimeRangeDays) * 24 * time.Hour)
		filter.Until = now
	}
	if memType == memory.TypeForesight && req.CurrentTime != nil {
		filter.ValidAt = req.CurrentTime
	}
	return filter
}

func (e *Engine) vectorSearch(ctx context.Context, req Request, filter stores.SearchFilter, k int) ([]memory.Retrieved, error) {
	vecs, err := e.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	radius := req.Radius
	if filter.MemoryType == memory.TypeEventLog {
		// The event-log index is L2; radius is a cosine notion and is ignored
		// until that index adopts cosine distance.
		radius = 0
	}
	return e.vectors.Search(ctx, vecs[0], filter, k, radius)
}

// fused runs both arms in parallel with over-fetch and combines them with
// reciprocal rank fusion. A failed arm degrades to the surviving one with a
// warning instead of failing the request.
func (e *Engine) fused(ctx context.Context, req Request, filter stores.SearchFilter) ([]memory.Retrieved, Metadata) {
	overFetch := req.TopK * e.cfg.OverFetchMult

	var bm25Hits, embHits []memory.Retrieved
	var bm25Err, embErr error

	var g errgroup.Group
	g.Go(func() error {
		bm25Hits, bm25Err = e.text.Search(ctx, req.Query, filter, overFetch)
		return nil
	})
	g.Go(func() error {
		embHits, embErr = e.vectorSearch(ctx, req, filter, overFetch)
		return nil
	})
	_ = g.Wait()

	meta := Metadata{BM25Count: len(bm25Hits), EmbCount: len(embHits)}
	if bm25Err != nil {
		log.Warn().Err(bm25Err).Msg("rrf_bm25_arm_degraded")
		meta.Warnings = append(meta.Warnings, "bm25 arm failed: "+bm25Err.Error())
	}
	if embErr != nil {
		log.Warn().Err(embErr).Msg("rrf_embedding_arm_degraded")
		meta.Warnings = append(meta.Warnings, "embedding arm failed: "+embErr.Error())
	}

	return FuseRRF([][]memory.Retrieved{bm25Hits, embHits}, e.cfg.RRFConstant), meta
}

// FuseRRF combines ranked lists with reciprocal rank fusion:
// score(d) = sum over lists of 1/(k + rank(d)). Documents are deduplicated
// by event_id; the fused order uses the stable tie-break.
func FuseRRF(lists [][]memory.Retrieved, k int) []memory.Retrieved {
	type fusedEntry struct {
		hit   memory.Retrieved
		score float64
	}
	fusedMap := make(map[string]*fusedEntry)
	for _, list := range lists {
		for rank, hit := range list {
			contribution := 1.0 / float64(k+rank+1)
			if entry, ok := fusedMap[hit.EventID]; ok {
				entry.score += contribution
			} else {
				fusedMap[hit.EventID] = &fusedEntry{hit: hit, score: contribution}
			}
		}
	}

	out := make([]memory.Retrieved, 0, len(fusedMap))
	for _, entry := range fusedMap {
		h := entry.hit
		h.Score = entry.score
		out = append(out, h)
	}
	return stableRank(out)
}

// stableRank sorts by score desc, timestamp desc, event_id asc.
func stableRank(hits []memory.Retrieved) []memory.Retrieved {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].EventID < hits[j].EventID
	})
	return hits
}

// dedupeByEventID keeps the first (highest-ranked) occurrence.
func dedupeByEventID(hits []memory.Retrieved) []memory.Retrieved {
	seen := make(map[string]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if seen[h.EventID] {
			continue
		}
		seen[h.EventID] = true
		out = append(out, h)
	}
	return out
}
