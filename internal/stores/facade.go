package stores

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"memora/internal/apperr"
	"memora/internal/memory"
)

// Facade performs the triple write for every memory type: document store
// first (assigning ids), then full-text index, then vector index. An index
// failure after the document write leaves that index lagging; it is logged
// and reconciled out of band, never rolled back.
type Facade struct {
	docs    DocStore
	text    TextIndex
	vectors VectorIndex
}

func NewFacade(docs DocStore, text TextIndex, vectors VectorIndex) *Facade {
	return &Facade{docs: docs, text: text, vectors: vectors}
}

func (f *Facade) Docs() DocStore       { return f.docs }
func (f *Facade) Text() TextIndex      { return f.text }
func (f *Facade) Vectors() VectorIndex { return f.vectors }

func (f *Facade) indexLag(err error, memoryType memory.MemoryType, arm string) {
	log.Error().Err(apperr.Inconsistent(err, "index write failed after document write")).
		Str("memory_type", string(memoryType)).Str("arm", arm).
		Msg("triple_write_index_lagging")
}

// SaveEpisodics persists episodic memories to all three stores.
func (f *Facade) SaveEpisodics(ctx context.Context, items []*memory.EpisodicMemory) error {
	if len(items) == 0 {
		return nil
	}
	if err := f.docs.InsertEpisodics(ctx, items); err != nil {
		return err
	}

	textDocs := make([]TextDoc, 0, len(items))
	vectorRows := make([]VectorRow, 0, len(items))
	for _, it := range items {
		textDocs = append(textDocs, TextDoc{
			EventID:    it.EventID,
			MemoryType: memory.TypeEpisodic,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Subject:    it.Subject,
			Content:    it.Episode,
			Timestamp:  it.Timestamp,
		})
		vectorRows = append(vectorRows, VectorRow{
			EventID:    it.EventID,
			MemoryType: memory.TypeEpisodic,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Subject:    it.Subject,
			Content:    it.Episode,
			Timestamp:  it.Timestamp,
			Embedding:  it.Embedding,
		})
	}
	if err := f.text.Index(ctx, textDocs); err != nil {
		f.indexLag(err, memory.TypeEpisodic, "text")
	}
	if err := f.vectors.Insert(ctx, vectorRows); err != nil {
		f.indexLag(err, memory.TypeEpisodic, "vector")
	}
	return nil
}

// SaveSemantics persists semantic items to all three stores.
func (f *Facade) SaveSemantics(ctx context.Context, items []*memory.SemanticMemoryItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := f.docs.InsertSemantics(ctx, items); err != nil {
		return err
	}

	textDocs := make([]TextDoc, 0, len(items))
	vectorRows := make([]VectorRow, 0, len(items))
	for _, it := range items {
		textDocs = append(textDocs, TextDoc{
			EventID:    it.EventID,
			MemoryType: memory.TypeSemantic,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Content:    it.Content,
			Timestamp:  it.Timestamp,
			StartTime:  it.StartTime,
			EndTime:    it.EndTime,
		})
		vectorRows = append(vectorRows, VectorRow{
			EventID:    it.EventID,
			MemoryType: memory.TypeSemantic,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Content:    it.Content,
			Timestamp:  it.Timestamp,
			StartTime:  it.StartTime,
			EndTime:    it.EndTime,
			Embedding:  it.Embedding,
		})
	}
	if err := f.text.Index(ctx, textDocs); err != nil {
		f.indexLag(err, memory.TypeSemantic, "text")
	}
	if err := f.vectors.Insert(ctx, vectorRows); err != nil {
		f.indexLag(err, memory.TypeSemantic, "vector")
	}
	return nil
}

// SaveEventLogs persists event logs. The vector index receives one row per
// atomic fact, carrying that fact's embedding; |facts| == |embeddings| is
// enforced by the document store.
func (f *Facade) SaveEventLogs(ctx context.Context, items []*memory.EventLog) error {
	if len(items) == 0 {
		return nil
	}
	if err := f.docs.InsertEventLogs(ctx, items); err != nil {
		return err
	}

	var textDocs []TextDoc
	var vectorRows []VectorRow
	for _, it := range items {
		textDocs = append(textDocs, TextDoc{
			EventID:    it.EventID,
			MemoryType: memory.TypeEventLog,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Content:    strings.Join(it.AtomicFacts, "\n"),
			Timestamp:  it.Time,
		})
		for i, fact := range it.AtomicFacts {
			vectorRows = append(vectorRows, VectorRow{
				EventID:    it.EventID,
				MemoryType: memory.TypeEventLog,
				UserID:     it.UserID,
				GroupID:    it.GroupID,
				Content:    fact,
				Timestamp:  it.Time,
				Embedding:  it.FactEmbeddings[i],
			})
		}
	}
	if err := f.text.Index(ctx, textDocs); err != nil {
		f.indexLag(err, memory.TypeEventLog, "text")
	}
	if err := f.vectors.Insert(ctx, vectorRows); err != nil {
		f.indexLag(err, memory.TypeEventLog, "vector")
	}
	return nil
}

// SaveForesights persists foresights to all three stores.
func (f *Facade) SaveForesights(ctx context.Context, items []*memory.Foresight) error {
	if len(items) == 0 {
		return nil
	}
	if err := f.docs.InsertForesights(ctx, items); err != nil {
		return err
	}

	textDocs := make([]TextDoc, 0, len(items))
	vectorRows := make([]VectorRow, 0, len(items))
	for _, it := range items {
		textDocs = append(textDocs, TextDoc{
			EventID:    it.EventID,
			MemoryType: memory.TypeForesight,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Content:    it.Content,
			Timestamp:  it.Timestamp,
			StartTime:  it.StartTime,
			EndTime:    it.EndTime,
		})
		vectorRows = append(vectorRows, VectorRow{
			EventID:    it.EventID,
			MemoryType: memory.TypeForesight,
			UserID:     it.UserID,
			GroupID:    it.GroupID,
			Content:    it.Content,
			Timestamp:  it.Timestamp,
			StartTime:  it.StartTime,
			EndTime:    it.EndTime,
			Embedding:  it.Embedding,
		})
	}
	if err := f.text.Index(ctx, textDocs); err != nil {
		f.indexLag(err, memory.TypeForesight, "text")
	}
	if err := f.vectors.Insert(ctx, vectorRows); err != nil {
		f.indexLag(err, memory.TypeForesight, "vector")
	}
	return nil
}

// SaveProfile persists a new profile version; the document store flips the
// previous latest row in the same transaction. Profiles are served straight
// from the document store and are not indexed.
func (f *Facade) SaveProfile(ctx context.Context, p *memory.ProfileMemory) error {
	return f.docs.InsertProfile(ctx, p)
}
