// Package cluster groups semantically related MemCells within one
// conversation via incremental centroid clustering. State lives in memory,
// owned by a single manager, and is periodically snapshotted; clusters can
// always be rebuilt from episodic embeddings, so durability is best-effort.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/embeddings"
	"memora/internal/memory"
	"memora/internal/objectstore"
)

const snapshotPrefix = "clusters/"

// State is the per-group clustering state.
type State struct {
	Centroids     map[string][]float32 `json:"centroids"`
	Counts        map[string]int       `json:"counts"`
	LastTimestamp map[string]time.Time `json:"last_timestamp"`
	Assignments   map[string]string    `json:"assignments"`
	NextIndex     int                  `json:"next_cluster_index"`
}

func newState() *State {
	return &State{
		Centroids:     make(map[string][]float32),
		Counts:        make(map[string]int),
		LastTimestamp: make(map[string]time.Time),
		Assignments:   make(map[string]string),
	}
}

// Callback receives cluster assignments. Sync callbacks run inline on the
// clustering goroutine; async callbacks run on their own goroutine. Panics
// are isolated either way.
type Callback func(groupID string, cell *memory.MemCell, clusterID string)

// Manager owns all per-group cluster state within the process.
type Manager struct {
	cfg      config.ClusterConfig
	embedder embeddings.Embedder
	store    objectstore.Store

	mu     sync.Mutex
	states map[string]*State

	cbMu     sync.RWMutex
	syncCbs  []Callback
	asyncCbs []Callback

	wg sync.WaitGroup
}

// NewManager builds the manager. store may be nil to disable snapshots.
func NewManager(cfg config.ClusterConfig, embedder embeddings.Embedder, store objectstore.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		states:   make(map[string]*State),
	}
}

// OnClusterAssigned registers a synchronous callback.
func (m *Manager) OnClusterAssigned(cb Callback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.syncCbs = append(m.syncCbs, cb)
}

// OnClusterAssignedAsync registers an asynchronous callback.
func (m *Manager) OnClusterAssignedAsync(cb Callback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.asyncCbs = append(m.asyncCbs, cb)
}

// Submit clusters the cell in the background; errors only log.
func (m *Manager) Submit(groupID string, cell *memory.MemCell) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.ClusterMemCell(ctx, groupID, cell); err != nil {
			log.Warn().Err(err).Str("group_id", groupID).Str("event_id", cell.EventID).Msg("clustering_failed")
		}
	}()
}

// Wait blocks until in-flight submissions finish. Test and shutdown helper.
func (m *Manager) Wait() { m.wg.Wait() }

// ClusterMemCell assigns the cell to the best matching cluster or opens a new
// one, returning the cluster id. For a fixed group, an event_id lands in
// exactly one cluster; re-clustering the same cell returns its assignment.
func (m *Manager) ClusterMemCell(ctx context.Context, groupID string, cell *memory.MemCell) (string, error) {
	text := representativeText(cell)
	if text == "" {
		return "", fmt.Errorf("memcell %s has no clusterable text", cell.EventID)
	}
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", fmt.Errorf("cluster embedding: %w", err)
	}
	vec := vecs[0]

	m.mu.Lock()
	st, ok := m.states[groupID]
	if !ok {
		st = newState()
		m.states[groupID] = st
	}

	if existing, ok := st.Assignments[cell.EventID]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	clusterID := m.findBestCluster(st, vec, cell.Timestamp)
	if clusterID == "" {
		clusterID = fmt.Sprintf("c%d", st.NextIndex)
		st.NextIndex++
		st.Centroids[clusterID] = append([]float32(nil), vec...)
		st.Counts[clusterID] = 1
	} else {
		updateCentroid(st, clusterID, vec)
		st.Counts[clusterID]++
	}
	st.LastTimestamp[clusterID] = cell.Timestamp
	st.Assignments[cell.EventID] = clusterID
	m.mu.Unlock()

	log.Debug().Str("group_id", groupID).Str("event_id", cell.EventID).Str("cluster_id", clusterID).Msg("memcell_clustered")
	m.notify(groupID, cell, clusterID)
	return clusterID, nil
}

// findBestCluster returns the most similar cluster above the threshold,
// skipping clusters whose last activity is further than the max time gap.
func (m *Manager) findBestCluster(st *State, vec []float32, ts time.Time) string {
	best := ""
	bestSim := m.cfg.Threshold
	for id, centroid := range st.Centroids {
		last := st.LastTimestamp[id]
		gap := ts.Sub(last)
		if gap < 0 {
			gap = -gap
		}
		if gap > m.cfg.MaxTimeGap {
			continue
		}
		if sim := cosineSimilarity(vec, centroid); sim >= bestSim {
			best, bestSim = id, sim
		}
	}
	return best
}

func updateCentroid(st *State, clusterID string, vec []float32) {
	centroid := st.Centroids[clusterID]
	n := float32(st.Counts[clusterID])
	for i := range centroid {
		centroid[i] = (centroid[i]*n + vec[i]) / (n + 1)
	}
}

func (m *Manager) notify(groupID string, cell *memory.MemCell, clusterID string) {
	m.cbMu.RLock()
	syncCbs := append([]Callback(nil), m.syncCbs...)
	asyncCbs := append([]Callback(nil), m.asyncCbs...)
	m.cbMu.RUnlock()

	for _, cb := range syncCbs {
		runIsolated(cb, groupID, cell, clusterID)
	}
	for _, cb := range asyncCbs {
		m.wg.Add(1)
		go func(cb Callback) {
			defer m.wg.Done()
			runIsolated(cb, groupID, cell, clusterID)
		}(cb)
	}
}

func runIsolated(cb Callback, groupID string, cell *memory.MemCell, clusterID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("group_id", groupID).Msg("cluster_callback_panic")
		}
	}()
	cb(groupID, cell, clusterID)
}

// Assignments returns a copy of the group's event→cluster mapping.
func (m *Manager) Assignments(groupID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[groupID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(st.Assignments))
	for k, v := range st.Assignments {
		out[k] = v
	}
	return out
}

// Snapshot serializes every group's state to the object store.
func (m *Manager) Snapshot(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	blobs := make(map[string][]byte, len(m.states))
	for groupID, st := range m.states {
		data, err := json.Marshal(st)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("cluster state encode %s: %w", groupID, err)
		}
		blobs[groupID] = data
	}
	m.mu.Unlock()

	for groupID, data := range blobs {
		if err := m.store.Put(ctx, snapshotPrefix+groupID+".json", data); err != nil {
			return fmt.Errorf("cluster snapshot %s: %w", groupID, err)
		}
	}
	return nil
}

// Rehydrate loads previously snapshotted states. Missing or corrupt
// snapshots are skipped; clusters are rebuildable.
func (m *Manager) Rehydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	keys, err := m.store.List(ctx, snapshotPrefix)
	if err != nil {
		return fmt.Errorf("cluster snapshot list: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cluster_snapshot_corrupt")
			continue
		}
		groupID := key[len(snapshotPrefix) : len(key)-len(".json")]
		m.states[groupID] = &st
	}
	log.Info().Int("groups", len(m.states)).Msg("cluster_state_rehydrated")
	return nil
}

// StartSnapshotLoop snapshots on the configured interval until ctx ends.
func (m *Manager) StartSnapshotLoop(ctx context.Context) {
	if m.store == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.SnapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Snapshot(ctx); err != nil {
					log.Warn().Err(err).Msg("cluster_snapshot_failed")
				}
			}
		}
	}()
}

func representativeText(cell *memory.MemCell) string {
	if cell.Episode != "" {
		return cell.Episode
	}
	if cell.Summary != "" {
		return cell.Summary
	}
	text := ""
	for _, msg := range cell.OriginalData {
		text += msg.Content + "\n"
	}
	return text
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
