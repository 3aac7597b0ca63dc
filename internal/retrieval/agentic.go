package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/llm"
	"memora/internal/memory"
)

// AgenticMetadata extends the lightweight metadata with loop diagnostics.
type AgenticMetadata struct {
	Metadata
	IsMultiRound   bool     `json:"is_multi_round"`
	IsSufficient   bool     `json:"is_sufficient"`
	Reasoning      string   `json:"reasoning,omitempty"`
	RefinedQueries []string `json:"refined_queries,omitempty"`
	Round1Count    int      `json:"round1_count"`
	Round2Count    int      `json:"round2_count"`
}

type judgeReply struct {
	Sufficient     bool     `json:"sufficient"`
	Reasoning      string   `json:"reasoning"`
	RefinedQueries []string `json:"refined_queries"`
}

type rerankReply struct {
	EventIDs []string `json:"event_ids"`
}

// RetrieveAgentic runs round 1 as lightweight RRF, judges sufficiency with
// the LLM, and when insufficient fans refined queries out in parallel,
// merging and reranking the union.
func (e *Engine) RetrieveAgentic(ctx context.Context, req Request, client llm.Client, llmCfg config.LLMConfig) (*Result, *AgenticMetadata, error) {
	req.Mode = ModeRRF
	round1, err := e.RetrieveLightweight(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	meta := &AgenticMetadata{Metadata: round1.Metadata, Round1Count: round1.Count}

	judged, err := e.judge(ctx, client, llmCfg, req.Query, round1)
	if err != nil {
		// The judge is advisory; round 1 stands on its own when it fails.
		log.Warn().Err(err).Msg("agentic_judge_degraded")
		meta.IsSufficient = true
		return round1, meta, nil
	}
	meta.IsSufficient = judged.Sufficient
	meta.Reasoning = judged.Reasoning

	if judged.Sufficient || len(judged.RefinedQueries) == 0 {
		round1.Memories = e.rerank(ctx, client, llmCfg, req.Query, round1.Memories)
		round1.Metadata = meta.Metadata
		return round1, meta, nil
	}

	refined := judged.RefinedQueries
	if len(refined) > e.cfg.MaxRefined {
		refined = refined[:e.cfg.MaxRefined]
	}
	meta.IsMultiRound = true
	meta.RefinedQueries = refined

	merged := round1.Memories
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, q := range refined {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			sub := req
			sub.Query = q
			res, err := e.RetrieveLightweight(ctx, sub)
			if err != nil {
				log.Warn().Err(err).Str("refined_query", q).Msg("agentic_refined_query_failed")
				return
			}
			mu.Lock()
			merged = append(merged, res.Memories...)
			mu.Unlock()
		}(q)
	}
	wg.Wait()

	merged = dedupeByEventID(stableRank(merged))
	merged = e.rerank(ctx, client, llmCfg, req.Query, merged)
	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}
	meta.Round2Count = len(merged)
	meta.FinalCount = len(merged)

	return &Result{Memories: merged, Count: len(merged), Metadata: meta.Metadata}, meta, nil
}

func (e *Engine) judge(ctx context.Context, client llm.Client, llmCfg config.LLMConfig, query string, round1 *Result) (*judgeReply, error) {
	var sb strings.Builder
	sb.WriteString("Judge whether the retrieved memories answer the query.\n")
	sb.WriteString(`Reply with one JSON object: {"sufficient":true|false,"reasoning":"...","refined_queries":["..."]}` + "\n")
	sb.WriteString("Propose refined_queries only when insufficient.\n\n")
	fmt.Fprintf(&sb, "Query: %s\n\nMemories:\n", query)
	for i, m := range round1.Memories {
		fmt.Fprintf(&sb, "[%d] %s\n", i, m.Content)
	}

	reply, err := llm.GenerateWithRetry(ctx, client, llmCfg, sb.String(), llm.Options{})
	if err != nil {
		return nil, err
	}
	var judged judgeReply
	if err := llm.ExtractJSON(reply, &judged); err != nil {
		return nil, fmt.Errorf("judge reply parse: %w", err)
	}
	return &judged, nil
}

// rerank asks the LLM to reorder hits by relevance; on any failure the fused
// order is kept.
func (e *Engine) rerank(ctx context.Context, client llm.Client, llmCfg config.LLMConfig, query string, hits []memory.Retrieved) []memory.Retrieved {
	if len(hits) < 2 {
		return hits
	}

	var sb strings.Builder
	sb.WriteString("Order the memories below by relevance to the query, most relevant first.\n")
	sb.WriteString(`Reply with one JSON object: {"event_ids":["..."]}` + "\n\n")
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	for _, m := range hits {
		fmt.Fprintf(&sb, "%s: %s\n", m.EventID, m.Content)
	}

	reply, err := llm.GenerateWithRetry(ctx, client, llmCfg, sb.String(), llm.Options{})
	if err != nil {
		log.Warn().Err(err).Msg("agentic_rerank_degraded")
		return hits
	}
	var parsed rerankReply
	if err := llm.ExtractJSON(reply, &parsed); err != nil {
		log.Warn().Err(err).Msg("agentic_rerank_unparseable")
		return hits
	}

	byID := make(map[string]memory.Retrieved, len(hits))
	for _, h := range hits {
		byID[h.EventID] = h
	}
	out := make([]memory.Retrieved, 0, len(hits))
	for _, id := range parsed.EventIDs {
		if h, ok := byID[id]; ok {
			out = append(out, h)
			delete(byID, id)
		}
	}
	// Anything the model dropped keeps its fused order at the tail.
	for _, h := range hits {
		if _, remaining := byID[h.EventID]; remaining {
			out = append(out, h)
		}
	}
	return out
}
