package stores

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/memory"
)

// QdrantVectorIndex is the alternate vector arm, one collection per memory
// type. Episode and foresight collections use cosine distance; event logs use
// Euclidean, matching the pgvector backend's metric split.
type QdrantVectorIndex struct {
	client *qdrant.Client
	dim    int
}

const qdrantEndTimeOpen = int64(math.MaxInt64 / 2)

func qdrantCollection(t memory.MemoryType) string {
	return "memora_" + string(t)
}

// NewQdrantVectorIndex connects and ensures the per-type collections exist.
func NewQdrantVectorIndex(ctx context.Context, cfg config.VectorConfig, dim int) (*QdrantVectorIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.QdrantHost, Port: cfg.QdrantPort})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	idx := &QdrantVectorIndex{client: client, dim: dim}

	metrics := map[memory.MemoryType]qdrant.Distance{
		memory.TypeEpisodic:  qdrant.Distance_Cosine,
		memory.TypeSemantic:  qdrant.Distance_Cosine,
		memory.TypeForesight: qdrant.Distance_Cosine,
		memory.TypeEventLog:  qdrant.Distance_Euclid,
	}
	for t, distance := range metrics {
		name := qdrantCollection(t)
		exists, err := client.CollectionExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("qdrant collection check: %w", err)
		}
		if exists {
			continue
		}
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: distance,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant collection create: %w", err)
		}
		log.Info().Str("collection", name).Msg("qdrant_collection_created")
	}
	return idx, nil
}

func (q *QdrantVectorIndex) Insert(ctx context.Context, rows []VectorRow) error {
	byType := make(map[memory.MemoryType][]*qdrant.PointStruct)
	for _, r := range rows {
		start, end := int64(0), qdrantEndTimeOpen
		if r.StartTime != nil {
			start = r.StartTime.UnixMilli()
		}
		if r.EndTime != nil {
			end = r.EndTime.UnixMilli()
		}
		point := &qdrant.PointStruct{
			Id:      qdrant.NewID(uuid.NewString()),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"event_id":   r.EventID,
				"user_id":    r.UserID,
				"group_id":   r.GroupID,
				"subject":    r.Subject,
				"content":    r.Content,
				"ts":         r.Timestamp.UnixMilli(),
				"start_time": start,
				"end_time":   end,
			}),
		}
		byType[r.MemoryType] = append(byType[r.MemoryType], point)
	}

	for t, points := range byType {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: qdrantCollection(t),
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("qdrant upsert %s: %w", t, err)
		}
	}
	return nil
}

func (q *QdrantVectorIndex) Search(ctx context.Context, vector []float32, filter SearchFilter, k int, radius float64) ([]memory.Retrieved, error) {
	var must []*qdrant.Condition
	if filter.GroupID != "" {
		must = append(must, qdrant.NewMatch("group_id", filter.GroupID))
	}
	if filter.UserID != "" {
		must = append(must, qdrant.NewMatch("user_id", filter.UserID))
	}
	if !filter.Since.IsZero() {
		must = append(must, qdrant.NewRange("ts", &qdrant.Range{Gte: qdrant.PtrOf(float64(filter.Since.UnixMilli()))}))
	}
	if !filter.Until.IsZero() {
		must = append(must, qdrant.NewRange("ts", &qdrant.Range{Lte: qdrant.PtrOf(float64(filter.Until.UnixMilli()))}))
	}
	if filter.ValidAt != nil {
		at := float64(filter.ValidAt.UnixMilli())
		must = append(must,
			qdrant.NewRange("start_time", &qdrant.Range{Lte: qdrant.PtrOf(at)}),
			qdrant.NewRange("end_time", &qdrant.Range{Gte: qdrant.PtrOf(at)}),
		)
	}

	query := &qdrant.QueryPoints{
		CollectionName: qdrantCollection(filter.MemoryType),
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(must) > 0 {
		query.Filter = &qdrant.Filter{Must: must}
	}
	if radius > 0 && filter.MemoryType != memory.TypeEventLog {
		query.ScoreThreshold = qdrant.PtrOf(float32(radius))
	}

	points, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant query %s: %w", filter.MemoryType, err)
	}

	hits := make([]memory.Retrieved, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		h := memory.Retrieved{
			MemoryType: filter.MemoryType,
			Score:      float64(p.GetScore()),
		}
		if v, ok := payload["event_id"]; ok {
			h.EventID = v.GetStringValue()
		}
		if v, ok := payload["user_id"]; ok {
			h.UserID = v.GetStringValue()
		}
		if v, ok := payload["group_id"]; ok {
			h.GroupID = v.GetStringValue()
		}
		if v, ok := payload["subject"]; ok {
			h.Subject = v.GetStringValue()
		}
		if v, ok := payload["content"]; ok {
			h.Content = v.GetStringValue()
		}
		if v, ok := payload["ts"]; ok {
			h.Timestamp = millisToTime(v.GetIntegerValue())
		}
		hits = append(hits, h)
	}
	return hits, nil
}
