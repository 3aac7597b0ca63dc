package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/config"
	"memora/internal/extract"
	"memora/internal/llm"
	"memora/internal/memory"
	"memora/internal/stores"
)

// --- fakes ---

type fakeLLM struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	f.mu.Unlock()

	switch {
	case strings.Contains(prompt, "episode narrative"):
		if strings.Contains(prompt, "perspective of what participant") {
			return `{"subject":"personal view","episode":"personal narrative","summary":"ps"}`, nil
		}
		return `{"subject":"group subject","episode":"group narrative","summary":"gs"}`, nil
	case strings.Contains(prompt, "durable facts"):
		return `{"items":[{"content":"Likes espresso"}]}`, nil
	case strings.Contains(prompt, "atomic events"):
		return `{"facts":["ordered espresso","paid the bill"]}`, nil
	case strings.Contains(prompt, "forward-looking"):
		return `{"items":[{"content":"will visit Lisbon","start_time":"2026-05-01T00:00:00Z","end_time":"2026-05-31T00:00:00Z"}]}`, nil
	case strings.Contains(prompt, "structured profile"):
		return `{"scenario":"chat","summary":"profile summary","interests":["travel"],"skills":[],"traits":[]}`, nil
	}
	return "", errors.New("unscripted prompt")
}

func (f *fakeLLM) personalEpisodeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.calls {
		if strings.Contains(p, "perspective of what participant") {
			n++
		}
	}
	return n
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2}
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 2 }

type fakeDocs struct {
	mu         sync.Mutex
	nextID     int
	episodics  []*memory.EpisodicMemory
	semantics  []*memory.SemanticMemoryItem
	eventLogs  []*memory.EventLog
	foresights []*memory.Foresight
	profiles   []*memory.ProfileMemory
}

func (f *fakeDocs) assign() string {
	f.nextID++
	return fmt.Sprintf("id-%03d", f.nextID)
}

func (f *fakeDocs) InsertEpisodics(ctx context.Context, items []*memory.EpisodicMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		it.EventID = f.assign()
	}
	f.episodics = append(f.episodics, items...)
	return nil
}

func (f *fakeDocs) InsertSemantics(ctx context.Context, items []*memory.SemanticMemoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		it.EventID = f.assign()
	}
	f.semantics = append(f.semantics, items...)
	return nil
}

func (f *fakeDocs) InsertEventLogs(ctx context.Context, items []*memory.EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if len(it.AtomicFacts) != len(it.FactEmbeddings) {
			return errors.New("facts/embeddings mismatch")
		}
		it.EventID = f.assign()
	}
	f.eventLogs = append(f.eventLogs, items...)
	return nil
}

func (f *fakeDocs) InsertForesights(ctx context.Context, items []*memory.Foresight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		it.EventID = f.assign()
	}
	f.foresights = append(f.foresights, items...)
	return nil
}

func (f *fakeDocs) InsertProfile(ctx context.Context, p *memory.ProfileMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.profiles {
		if prev.UserID == p.UserID && prev.GroupID == p.GroupID {
			prev.IsLatest = false
		}
	}
	p.EventID = f.assign()
	p.IsLatest = true
	f.profiles = append(f.profiles, p)
	return nil
}

func (f *fakeDocs) LatestProfile(ctx context.Context, userID, groupID string) (*memory.ProfileMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.UserID == userID && p.GroupID == groupID && p.IsLatest {
			return p, nil
		}
	}
	return nil, errors.New("not found")
}

type fakeIndex struct{}

func (fakeIndex) Index(ctx context.Context, docs []stores.TextDoc) error { return nil }
func (fakeIndex) Search(ctx context.Context, q string, f stores.SearchFilter, n int) ([]memory.Retrieved, error) {
	return nil, nil
}

type fakeVectors struct{}

func (fakeVectors) Insert(ctx context.Context, rows []stores.VectorRow) error { return nil }
func (fakeVectors) Search(ctx context.Context, v []float32, f stores.SearchFilter, k int, r float64) ([]memory.Retrieved, error) {
	return nil, nil
}

type fakeCells struct {
	mu       sync.Mutex
	updates  map[string][2]string
	statuses []*memory.ConversationStatus
	episodes []string
}

func (f *fakeCells) UpdateMemCellEpisode(ctx context.Context, eventID, subject, episode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string][2]string)
	}
	f.updates[eventID] = [2]string{subject, episode}
	return nil
}

func (f *fakeCells) UpsertConversationStatus(ctx context.Context, st *memory.ConversationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeCells) ListEpisodeTexts(ctx context.Context, groupID, userID string, limit int) ([]string, error) {
	return f.episodes, nil
}

type fakeClusterer struct {
	mu    sync.Mutex
	cells []*memory.MemCell
}

func (f *fakeClusterer) Submit(groupID string, cell *memory.MemCell) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells = append(f.cells, cell)
}

// --- helpers ---

func workerCfg() config.WorkerConfig {
	return config.WorkerConfig{
		MaxPending:      8,
		TaskDeadline:    10 * time.Second,
		StatusRetain:    time.Hour,
		EnableProfiles:  true,
		EnableForesight: true,
	}
}

func newService(t *testing.T, cfg config.WorkerConfig) (*Service, *fakeLLM, *fakeDocs, *fakeCells, *fakeClusterer) {
	t.Helper()
	fl := &fakeLLM{}
	docs := &fakeDocs{}
	cells := &fakeCells{}
	cl := &fakeClusterer{}
	ex := extract.New(fl, config.LLMConfig{Timeout: time.Second, MaxRetries: 1, RetryBase: time.Millisecond}, fakeEmbedder{})
	facade := stores.NewFacade(docs, fakeIndex{}, fakeVectors{})
	return New(cfg, ex, facade, cells, cl), fl, docs, cells, cl
}

func testCell() *memory.MemCell {
	return &memory.MemCell{
		EventID:      "cell-1",
		GroupID:      "g",
		Participants: []string{"alice", "bob"},
		Timestamp:    time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Type:         memory.RawDataConversation,
		OriginalData: []memory.RawMessage{
			{MessageID: "m1", SenderID: "alice", Content: "hello", CreatedAt: time.Now()},
		},
	}
}

func waitStatus(t *testing.T, s *Service, requestID string, want RequestStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := s.Status(requestID); ok && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := s.Status(requestID)
	t.Fatalf("status %q never reached, last %q", want, got)
}

// --- tests ---

func TestSubmitAndProcess_GroupChatFanOut(t *testing.T) {
	s, fl, docs, cells, cl := newService(t, workerCfg())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	meta := &memory.ConversationMeta{GroupID: "g", Scene: memory.SceneGroupChat}
	reqID, err := s.Submit(testCell(), meta)
	require.NoError(t, err)
	assert.Equal(t, "cell-1", reqID)

	waitStatus(t, s, reqID, StatusCompleted)

	// One group episode plus one personal episode per participant.
	assert.Equal(t, 2, fl.personalEpisodeCalls())
	require.Len(t, docs.episodics, 3)

	var groupCount, personalCount int
	for _, ep := range docs.episodics {
		if ep.UserID == "" {
			groupCount++
			assert.Equal(t, "group subject", ep.Subject)
		} else {
			personalCount++
			assert.Equal(t, "personal view", ep.Subject)
		}
		assert.Equal(t, []string{"cell-1"}, ep.ParentMemCellIDs)
	}
	assert.Equal(t, 1, groupCount)
	assert.Equal(t, 2, personalCount)

	// Semantic and event-log fan-out ran per personal episode.
	assert.Len(t, docs.semantics, 2)
	assert.Len(t, docs.eventLogs, 2)
	for _, el := range docs.eventLogs {
		assert.Len(t, el.AtomicFacts, 2)
		assert.Len(t, el.FactEmbeddings, 2)
		assert.NotEmpty(t, el.ParentEpisodeID)
	}

	// Subject/episode back-propagated to the MemCell document.
	assert.Equal(t, [2]string{"group subject", "group narrative"}, cells.updates["cell-1"])

	// Clustering got the fire-and-forget submission.
	assert.Len(t, cl.cells, 1)
}

func TestProcess_AssistantSceneClonesInsteadOfExtracting(t *testing.T) {
	s, fl, docs, _, _ := newService(t, workerCfg())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	meta := &memory.ConversationMeta{
		GroupID: "g",
		Scene:   memory.SceneAssistant,
		Participants: map[string]memory.Participant{
			"alice": {Name: "Alice", Role: "user"},
			"bot_x": {Name: "Bot", Role: "bot"},
		},
	}
	cell := testCell()
	cell.Participants = []string{"alice", "bot_x"}
	reqID, err := s.Submit(cell, meta)
	require.NoError(t, err)
	waitStatus(t, s, reqID, StatusCompleted)

	// No personal-episode LLM call for anyone, bot included.
	assert.Zero(t, fl.personalEpisodeCalls())

	// Group episode plus a clone for alice only; identical subject/episode.
	require.Len(t, docs.episodics, 2)
	assert.Equal(t, "", docs.episodics[0].UserID)
	assert.Equal(t, "alice", docs.episodics[1].UserID)
	assert.Equal(t, docs.episodics[0].Subject, docs.episodics[1].Subject)
	assert.Equal(t, docs.episodics[0].Episode, docs.episodics[1].Episode)

	// Semantic and event-log results cloned for the user.
	require.Len(t, docs.semantics, 1)
	assert.Equal(t, "alice", docs.semantics[0].UserID)
	require.Len(t, docs.eventLogs, 1)
	assert.Equal(t, "alice", docs.eventLogs[0].UserID)

	// Foresights cloned per human on top of the group-scope item.
	require.Len(t, docs.foresights, 2)
	assert.Equal(t, "", docs.foresights[0].UserID)
	assert.Equal(t, "alice", docs.foresights[1].UserID)
}

func TestSubmit_QueueFullFailsFast(t *testing.T) {
	cfg := workerCfg()
	cfg.MaxPending = 1
	s, _, _, _, _ := newService(t, cfg)
	// Not started: the queue only drains when the consumer runs.

	_, err := s.Submit(testCell(), nil)
	require.NoError(t, err)

	cell2 := testCell()
	cell2.EventID = "cell-2"
	_, err = s.Submit(cell2, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestStatus_LifecycleAndUnknown(t *testing.T) {
	s, _, _, _, _ := newService(t, workerCfg())

	_, ok := s.Status("nope")
	assert.False(t, ok)

	reqID, err := s.Submit(testCell(), nil)
	require.NoError(t, err)
	st, ok := s.Status(reqID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, st)
}

func TestRebuildProfile(t *testing.T) {
	s, _, docs, cells, _ := newService(t, workerCfg())
	cells.episodes = []string{"Alice planned a trip.", "Alice ordered espresso."}

	require.NoError(t, s.RebuildProfile(context.Background(), "g", "alice"))
	require.Len(t, docs.profiles, 1)
	assert.Equal(t, "alice", docs.profiles[0].UserID)
	assert.True(t, docs.profiles[0].IsLatest)

	// A second rebuild keeps exactly one latest row.
	require.NoError(t, s.RebuildProfile(context.Background(), "g", "alice"))
	latest := 0
	for _, p := range docs.profiles {
		if p.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
}

func TestRebuildProfile_DisabledIsNoop(t *testing.T) {
	cfg := workerCfg()
	cfg.EnableProfiles = false
	s, _, docs, cells, _ := newService(t, cfg)
	cells.episodes = []string{"ep"}

	require.NoError(t, s.RebuildProfile(context.Background(), "g", "alice"))
	assert.Empty(t, docs.profiles)
}

func TestStop_DrainsCleanly(t *testing.T) {
	s, _, _, _, _ := newService(t, workerCfg())
	ctx := context.Background()
	s.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
}
