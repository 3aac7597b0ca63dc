// Package extract runs the per-MemCell LLM extraction plans: episodes,
// semantic facts, event logs, profiles, and foresights. Every plan is a
// prompt template plus a strict parser; embedding failures demote to
// zero-vector placeholders so text search stays useful.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/embeddings"
	"memora/internal/llm"
	"memora/internal/memory"
)

// Extractor fans individual extraction calls out to the completion and
// embedding oracles.
type Extractor struct {
	client   llm.Client
	llmCfg   config.LLMConfig
	embedder embeddings.Embedder
}

func New(client llm.Client, llmCfg config.LLMConfig, embedder embeddings.Embedder) *Extractor {
	return &Extractor{client: client, llmCfg: llmCfg, embedder: embedder}
}

// EpisodeResult is the parsed reply of an episodic extraction call.
type EpisodeResult struct {
	Subject string `json:"subject"`
	Episode string `json:"episode"`
	Summary string `json:"summary"`
}

// Episode produces the narrative for a MemCell. An empty userID asks for the
// group-scope view; otherwise the narrative is written from that user's
// perspective.
func (e *Extractor) Episode(ctx context.Context, cell *memory.MemCell, userID string) (*EpisodeResult, error) {
	var sb strings.Builder
	sb.WriteString("You turn a conversation fragment into a concise third-person episode narrative.\n")
	if userID != "" {
		fmt.Fprintf(&sb, "Write the narrative from the perspective of what participant %q said, did, and learned.\n", userID)
	} else {
		sb.WriteString("Write the narrative covering the whole group.\n")
	}
	sb.WriteString(`Reply with one JSON object: {"subject":"<short title>","episode":"<narrative>","summary":"<one sentence>"}` + "\n\n")
	sb.WriteString(renderMessages(cell.OriginalData))

	reply, err := llm.GenerateWithRetry(ctx, e.client, e.llmCfg, sb.String(), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("episode extraction: %w", err)
	}
	var res EpisodeResult
	if err := llm.ExtractJSON(reply, &res); err != nil {
		return nil, fmt.Errorf("episode reply parse: %w", err)
	}
	if res.Episode == "" {
		return nil, fmt.Errorf("episode reply empty")
	}
	return &res, nil
}

type semanticReply struct {
	Items []struct {
		Content      string `json:"content"`
		Evidence     string `json:"evidence"`
		StartTime    string `json:"start_time"`
		EndTime      string `json:"end_time"`
		DurationDays int    `json:"duration_days"`
	} `json:"items"`
}

// Semantics extracts atomic facts and preferences about one user from an
// episode, each embedded for vector retrieval.
func (e *Extractor) Semantics(ctx context.Context, episode *memory.EpisodicMemory, userID string) ([]*memory.SemanticMemoryItem, error) {
	var sb strings.Builder
	sb.WriteString("Extract durable facts and preferences about the user from the episode below.\n")
	fmt.Fprintf(&sb, "User: %s\n", userID)
	sb.WriteString("Each item is one atomic statement. Include evidence quotes when present.\n")
	sb.WriteString("Optional validity window: start_time/end_time as RFC3339, duration_days as an integer.\n")
	sb.WriteString(`Reply with one JSON object: {"items":[{"content":"...","evidence":"...","start_time":"","end_time":"","duration_days":0}]}` + "\n")
	sb.WriteString("Return an empty items array when the episode carries no durable facts.\n\n")
	fmt.Fprintf(&sb, "Episode: %s\n", episode.Episode)

	reply, err := llm.GenerateWithRetry(ctx, e.client, e.llmCfg, sb.String(), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("semantic extraction: %w", err)
	}
	var parsed semanticReply
	if err := llm.ExtractJSON(reply, &parsed); err != nil {
		return nil, fmt.Errorf("semantic reply parse: %w", err)
	}

	items := make([]*memory.SemanticMemoryItem, 0, len(parsed.Items))
	texts := make([]string, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it.Content == "" {
			continue
		}
		items = append(items, &memory.SemanticMemoryItem{
			UserID:          userID,
			GroupID:         episode.GroupID,
			Content:         it.Content,
			Evidence:        it.Evidence,
			StartTime:       parseInstant(it.StartTime),
			EndTime:         parseInstant(it.EndTime),
			DurationDays:    it.DurationDays,
			SourceEpisodeID: episode.EventID,
			Timestamp:       episode.Timestamp,
		})
		texts = append(texts, it.Content)
	}
	vecs := e.embedOrZero(ctx, texts)
	for i := range items {
		items[i].Embedding = vecs[i]
	}
	return items, nil
}

type eventLogReply struct {
	Facts []string `json:"facts"`
}

// EventLog extracts the chronological atomic facts of an episode for one
// user. Fact embeddings stay parallel to the facts.
func (e *Extractor) EventLog(ctx context.Context, episode *memory.EpisodicMemory, userID string) (*memory.EventLog, error) {
	var sb strings.Builder
	sb.WriteString("List the atomic events of the episode below in chronological order.\n")
	fmt.Fprintf(&sb, "Focus on what involves user %s. One short past-tense sentence per event.\n", userID)
	sb.WriteString(`Reply with one JSON object: {"facts":["...","..."]}` + "\n\n")
	fmt.Fprintf(&sb, "Episode: %s\n", episode.Episode)

	reply, err := llm.GenerateWithRetry(ctx, e.client, e.llmCfg, sb.String(), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("event log extraction: %w", err)
	}
	var parsed eventLogReply
	if err := llm.ExtractJSON(reply, &parsed); err != nil {
		return nil, fmt.Errorf("event log reply parse: %w", err)
	}

	facts := make([]string, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		if f != "" {
			facts = append(facts, f)
		}
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return &memory.EventLog{
		ParentEpisodeID: episode.EventID,
		UserID:          userID,
		GroupID:         episode.GroupID,
		Time:            episode.Timestamp,
		AtomicFacts:     facts,
		FactEmbeddings:  e.embedOrZero(ctx, facts),
	}, nil
}

type foresightReply struct {
	Items []struct {
		Content   string `json:"content"`
		Evidence  string `json:"evidence"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	} `json:"items"`
}

// Foresights extracts expectations and predictions with validity windows.
func (e *Extractor) Foresights(ctx context.Context, episode *memory.EpisodicMemory, userID string) ([]*memory.Foresight, error) {
	var sb strings.Builder
	sb.WriteString("Extract expectations, plans, and predictions stated or implied in the episode below.\n")
	sb.WriteString("Give each a validity window (start_time/end_time as RFC3339) when one is inferable.\n")
	sb.WriteString(`Reply with one JSON object: {"items":[{"content":"...","evidence":"...","start_time":"","end_time":""}]}` + "\n")
	sb.WriteString("Return an empty items array when there is nothing forward-looking.\n\n")
	fmt.Fprintf(&sb, "Episode: %s\n", episode.Episode)

	reply, err := llm.GenerateWithRetry(ctx, e.client, e.llmCfg, sb.String(), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("foresight extraction: %w", err)
	}
	var parsed foresightReply
	if err := llm.ExtractJSON(reply, &parsed); err != nil {
		return nil, fmt.Errorf("foresight reply parse: %w", err)
	}

	items := make([]*memory.Foresight, 0, len(parsed.Items))
	texts := make([]string, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it.Content == "" {
			continue
		}
		items = append(items, &memory.Foresight{
			ParentEpisodeID: episode.EventID,
			UserID:          userID,
			GroupID:         episode.GroupID,
			Content:         it.Content,
			Evidence:        it.Evidence,
			StartTime:       parseInstant(it.StartTime),
			EndTime:         parseInstant(it.EndTime),
			Timestamp:       episode.Timestamp,
		})
		texts = append(texts, it.Content)
	}
	vecs := e.embedOrZero(ctx, texts)
	for i := range items {
		items[i].Embedding = vecs[i]
	}
	return items, nil
}

type profileReply struct {
	Scenario  string   `json:"scenario"`
	Summary   string   `json:"summary"`
	Interests []string `json:"interests"`
	Skills    []string `json:"skills"`
	Traits    []string `json:"traits"`
}

// Profile rebuilds the per-(user, group) structured summary from the user's
// recent episodes, seeded with the previous version when one exists.
func (e *Extractor) Profile(ctx context.Context, userID, groupID string, episodes []string, prev *memory.ProfileMemory) (*memory.ProfileMemory, error) {
	var sb strings.Builder
	sb.WriteString("Build a structured profile of the user from their episodes.\n")
	fmt.Fprintf(&sb, "User: %s\n", userID)
	sb.WriteString(`Reply with one JSON object: {"scenario":"...","summary":"...","interests":[],"skills":[],"traits":[]}` + "\n\n")
	if prev != nil {
		fmt.Fprintf(&sb, "Previous profile summary: %s\n", prev.Summary)
		if len(prev.Interests) > 0 {
			fmt.Fprintf(&sb, "Previous interests: %s\n", strings.Join(prev.Interests, ", "))
		}
		sb.WriteString("Update it with the new episodes; keep still-valid entries.\n\n")
	}
	for i, ep := range episodes {
		fmt.Fprintf(&sb, "Episode %d: %s\n", i+1, ep)
	}

	reply, err := llm.GenerateWithRetry(ctx, e.client, e.llmCfg, sb.String(), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("profile extraction: %w", err)
	}
	var parsed profileReply
	if err := llm.ExtractJSON(reply, &parsed); err != nil {
		return nil, fmt.Errorf("profile reply parse: %w", err)
	}
	if parsed.Summary == "" {
		return nil, fmt.Errorf("profile reply empty")
	}
	return &memory.ProfileMemory{
		UserID:    userID,
		GroupID:   groupID,
		Scenario:  parsed.Scenario,
		Summary:   parsed.Summary,
		Interests: parsed.Interests,
		Skills:    parsed.Skills,
		Traits:    parsed.Traits,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// EmbedText wraps the embedder with the zero-vector demotion policy.
func (e *Extractor) EmbedText(ctx context.Context, text string) []float32 {
	return e.embedOrZero(ctx, []string{text})[0]
}

func (e *Extractor) embedOrZero(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		log.Warn().Err(err).Int("texts", len(texts)).Msg("embedding_demoted_to_zero_vector")
		vecs = make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = embeddings.ZeroVector(e.embedder.Dimensions())
		}
	}
	return vecs
}

func renderMessages(msgs []memory.RawMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&sb, "%s @ %s: %s\n", name, m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
	}
	return sb.String()
}

func parseInstant(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
