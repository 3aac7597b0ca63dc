package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/config"
	"memora/internal/memory"
	"memora/internal/objectstore"
)

// vecEmbedder maps known texts to fixed vectors.
type vecEmbedder struct {
	vectors map[string][]float32
}

func (v *vecEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, tx := range texts {
		if vec, ok := v.vectors[tx]; ok {
			out[i] = vec
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

func (v *vecEmbedder) Dimensions() int { return 3 }

func clusterCfg() config.ClusterConfig {
	return config.ClusterConfig{
		Enabled:       true,
		Threshold:     0.65,
		MaxTimeGap:    7 * 24 * time.Hour,
		SnapshotEvery: time.Minute,
	}
}

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func cellWith(id, episode string, ts time.Time) *memory.MemCell {
	return &memory.MemCell{EventID: id, GroupID: "g", Episode: episode, Timestamp: ts}
}

func TestClusterMemCell_SimilarJoinSameCluster(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{
		"coffee talk":   {1, 0, 0},
		"espresso chat": {0.95, 0.05, 0},
		"hiking plans":  {0, 1, 0},
	}}
	m := NewManager(clusterCfg(), emb, nil)
	ctx := context.Background()

	c1, err := m.ClusterMemCell(ctx, "g", cellWith("e1", "coffee talk", base))
	require.NoError(t, err)
	c2, err := m.ClusterMemCell(ctx, "g", cellWith("e2", "espresso chat", base.Add(time.Hour)))
	require.NoError(t, err)
	c3, err := m.ClusterMemCell(ctx, "g", cellWith("e3", "hiking plans", base.Add(2*time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, c1, c2, "similar cells share a cluster")
	assert.NotEqual(t, c1, c3, "dissimilar cells open a new cluster")

	assignments := m.Assignments("g")
	assert.Len(t, assignments, 3)
}

func TestClusterMemCell_TimeGapOpensNewCluster(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{"same topic": {1, 0, 0}}}
	m := NewManager(clusterCfg(), emb, nil)
	ctx := context.Background()

	c1, err := m.ClusterMemCell(ctx, "g", cellWith("e1", "same topic", base))
	require.NoError(t, err)
	// Identical vector but 10 days later: the stale cluster is skipped.
	c2, err := m.ClusterMemCell(ctx, "g", cellWith("e2", "same topic", base.Add(10*24*time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestClusterMemCell_Idempotent(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{}}
	m := NewManager(clusterCfg(), emb, nil)
	ctx := context.Background()

	cell := cellWith("e1", "text", base)
	c1, err := m.ClusterMemCell(ctx, "g", cell)
	require.NoError(t, err)
	c2, err := m.ClusterMemCell(ctx, "g", cell)
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "an event_id belongs to exactly one cluster")
	assert.Len(t, m.Assignments("g"), 1)
}

func TestCallbacks_SyncAsyncAndPanicIsolation(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{}}
	m := NewManager(clusterCfg(), emb, nil)

	var mu sync.Mutex
	var got []string
	m.OnClusterAssigned(func(groupID string, cell *memory.MemCell, clusterID string) {
		panic("callback exploded")
	})
	m.OnClusterAssigned(func(groupID string, cell *memory.MemCell, clusterID string) {
		mu.Lock()
		got = append(got, "sync:"+clusterID)
		mu.Unlock()
	})
	m.OnClusterAssignedAsync(func(groupID string, cell *memory.MemCell, clusterID string) {
		mu.Lock()
		got = append(got, "async:"+clusterID)
		mu.Unlock()
	})

	_, err := m.ClusterMemCell(context.Background(), "g", cellWith("e1", "text", base))
	require.NoError(t, err)
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"sync:c0", "async:c0"}, got,
		"the panicking callback must not suppress the others")
}

func TestSnapshotAndRehydrate(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	emb := &vecEmbedder{vectors: map[string][]float32{}}
	m := NewManager(clusterCfg(), emb, store)
	_, err = m.ClusterMemCell(ctx, "g", cellWith("e1", "text", base))
	require.NoError(t, err)
	require.NoError(t, m.Snapshot(ctx))

	// A fresh manager picks the state back up and extends it.
	m2 := NewManager(clusterCfg(), emb, store)
	require.NoError(t, m2.Rehydrate(ctx))
	assert.Len(t, m2.Assignments("g"), 1)

	c, err := m2.ClusterMemCell(ctx, "g", cellWith("e2", "text", base.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "c0", c, "rehydrated centroids keep clustering new cells")
}

func TestSubmit_FireAndForget(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{}}
	m := NewManager(clusterCfg(), emb, nil)

	m.Submit("g", cellWith("e1", "text", base))
	m.Wait()
	assert.Len(t, m.Assignments("g"), 1)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}), "dimension mismatch scores zero")
}
