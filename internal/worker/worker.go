// Package worker runs the asynchronous extraction service: a process-wide
// bounded queue drained by a single consumer that fans out per-MemCell LLM
// extractions and persists the results through the stores facade.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/extract"
	"memora/internal/memory"
	"memora/internal/stores"
)

// RequestStatus is the lifecycle of one submitted extraction task.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// ErrQueueFull is returned by Submit when the pending queue is at capacity.
var ErrQueueFull = errors.New("extraction queue full")

// CellStore is the slice of the document store the worker needs beyond the
// facade: back-propagation into MemCells, status updates, and episode
// listings for profile rebuilds.
type CellStore interface {
	UpdateMemCellEpisode(ctx context.Context, eventID, subject, episode string) error
	UpsertConversationStatus(ctx context.Context, st *memory.ConversationStatus) error
	ListEpisodeTexts(ctx context.Context, groupID, userID string, limit int) ([]string, error)
}

// Clusterer receives completed MemCells for incremental clustering. Submission
// is fire-and-forget.
type Clusterer interface {
	Submit(groupID string, cell *memory.MemCell)
}

// Task is one unit of extraction work.
type Task struct {
	Cell      *memory.MemCell
	Meta      *memory.ConversationMeta
	RequestID string
}

type statusEntry struct {
	status RequestStatus
	at     time.Time
}

// Service is the process-wide extraction worker with an explicit start/stop
// lifecycle. Submit is non-blocking; a single consumer drains the queue.
type Service struct {
	cfg       config.WorkerConfig
	extractor *extract.Extractor
	facade    *stores.Facade
	cells     CellStore
	clusterer Clusterer

	tasks chan Task

	mu       sync.Mutex
	statuses map[string]statusEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds the worker. clusterer may be nil.
func New(cfg config.WorkerConfig, extractor *extract.Extractor, facade *stores.Facade, cells CellStore, clusterer Clusterer) *Service {
	return &Service{
		cfg:       cfg,
		extractor: extractor,
		facade:    facade,
		cells:     cells,
		clusterer: clusterer,
		tasks:     make(chan Task, cfg.MaxPending),
		statuses:  make(map[string]statusEntry),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the single consumer goroutine.
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
	log.Info().Int("max_pending", s.cfg.MaxPending).Dur("task_deadline", s.cfg.TaskDeadline).Msg("worker_started")
}

// Stop shuts the consumer down after the in-flight task finishes.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.done:
	case <-ctx.Done():
		log.Warn().Msg("worker_stop_timeout")
	}
}

// Submit enqueues a task without blocking; the MemCell's event_id doubles as
// the request id. Fails fast when the queue is at max_pending.
func (s *Service) Submit(cell *memory.MemCell, meta *memory.ConversationMeta) (string, error) {
	task := Task{Cell: cell, Meta: meta, RequestID: cell.EventID}
	select {
	case s.tasks <- task:
	default:
		return "", ErrQueueFull
	}
	s.setStatus(task.RequestID, StatusPending)
	return task.RequestID, nil
}

// Status looks up a request's lifecycle state.
func (s *Service) Status(requestID string) (RequestStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.statuses[requestID]
	return e.status, ok
}

func (s *Service) setStatus(requestID string, status RequestStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[requestID] = statusEntry{status: status, at: time.Now()}
}

// purgeStatuses drops terminal entries older than the retention window.
func (s *Service) purgeStatuses() {
	cutoff := time.Now().Add(-s.cfg.StatusRetain)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.statuses {
		if e.at.Before(cutoff) && (e.status == StatusCompleted || e.status == StatusFailed) {
			delete(s.statuses, id)
		}
	}
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case task := <-s.tasks:
			s.setStatus(task.RequestID, StatusProcessing)
			taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskDeadline)
			err := s.processTask(taskCtx, task)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("request_id", task.RequestID).Msg("worker_task_failed")
				s.setStatus(task.RequestID, StatusFailed)
			} else {
				s.setStatus(task.RequestID, StatusCompleted)
			}
			s.purgeStatuses()
		}
	}
}

// episodeJob pairs a perspective user with its extraction result.
type episodeJob struct {
	userID string
	result *extract.EpisodeResult
}

func (s *Service) processTask(ctx context.Context, task Task) error {
	cell := task.Cell
	scene := memory.SceneOther
	var bots map[string]bool
	if task.Meta != nil {
		scene = task.Meta.Scene
		bots = task.Meta.BotParticipants()
	}
	isAssistant := scene.IsAssistant()

	humans := make([]string, 0, len(cell.Participants))
	for _, p := range cell.Participants {
		if !bots[p] {
			humans = append(humans, p)
		}
	}

	// Stage A: episodic extraction, parallel. The group episode is required;
	// failed personal branches are demoted to log entries.
	groupRes, personal, err := s.stageEpisodes(ctx, cell, humans, isAssistant)
	if err != nil {
		return fmt.Errorf("episodic stage: %w", err)
	}

	// Back-propagate subject and episode into the persisted MemCell.
	cell.Subject = groupRes.Subject
	cell.Episode = groupRes.Episode
	if err := s.cells.UpdateMemCellEpisode(ctx, cell.EventID, groupRes.Subject, groupRes.Episode); err != nil {
		log.Warn().Err(err).Str("event_id", cell.EventID).Msg("memcell_backprop_failed")
	}

	// Stage B: persist episodic memories. For assistant scenes the group
	// episode is cloned per human so per-user retrieval works without extra
	// LLM calls.
	groupEmbedding := s.extractor.EmbedText(ctx, groupRes.Episode)
	episodics := []*memory.EpisodicMemory{{
		ParentMemCellIDs: []string{cell.EventID},
		GroupID:          cell.GroupID,
		Timestamp:        cell.Timestamp,
		Subject:          groupRes.Subject,
		Episode:          groupRes.Episode,
		Summary:          groupRes.Summary,
		Embedding:        groupEmbedding,
	}}
	if isAssistant {
		for _, userID := range humans {
			episodics = append(episodics, &memory.EpisodicMemory{
				ParentMemCellIDs: []string{cell.EventID},
				UserID:           userID,
				GroupID:          cell.GroupID,
				Timestamp:        cell.Timestamp,
				Subject:          groupRes.Subject,
				Episode:          groupRes.Episode,
				Summary:          groupRes.Summary,
				Embedding:        groupEmbedding,
			})
		}
	} else {
		for _, job := range personal {
			episodics = append(episodics, &memory.EpisodicMemory{
				ParentMemCellIDs: []string{cell.EventID},
				UserID:           job.userID,
				GroupID:          cell.GroupID,
				Timestamp:        cell.Timestamp,
				Subject:          job.result.Subject,
				Episode:          job.result.Episode,
				Summary:          job.result.Summary,
				Embedding:        s.extractor.EmbedText(ctx, job.result.Episode),
			})
		}
	}
	if err := s.facade.SaveEpisodics(ctx, episodics); err != nil {
		return fmt.Errorf("episodic persist: %w", err)
	}

	// Stage C+D: semantic and event-log fan-out, then persistence. For
	// assistant scenes extraction runs once on the group episode and the
	// results are cloned per human.
	if isAssistant {
		s.stageDerivedAssistant(ctx, episodics, humans)
	} else {
		s.stageDerivedPersonal(ctx, episodics)
	}

	// Stage E: optional foresight plus fire-and-forget clustering.
	if s.cfg.EnableForesight {
		s.stageForesight(ctx, episodics[0], humans, isAssistant)
	}
	if s.clusterer != nil {
		s.clusterer.Submit(cell.GroupID, cell)
	}

	if err := s.cells.UpsertConversationStatus(ctx, &memory.ConversationStatus{
		GroupID:       cell.GroupID,
		LastMemCellAt: cell.Timestamp,
	}); err != nil {
		log.Warn().Err(err).Str("group_id", cell.GroupID).Msg("status_update_failed")
	}
	return nil
}

func (s *Service) stageEpisodes(ctx context.Context, cell *memory.MemCell, humans []string, isAssistant bool) (*extract.EpisodeResult, []episodeJob, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		groupRes *extract.EpisodeResult
		groupErr error
		personal []episodeJob
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := s.extractor.Episode(ctx, cell, "")
		groupRes, groupErr = res, err
	}()

	if !isAssistant {
		for _, userID := range humans {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				res, err := s.extractor.Episode(ctx, cell, userID)
				if err != nil {
					log.Warn().Err(err).Str("user_id", userID).Str("event_id", cell.EventID).Msg("personal_episode_demoted")
					return
				}
				mu.Lock()
				personal = append(personal, episodeJob{userID: userID, result: res})
				mu.Unlock()
			}(userID)
		}
	}
	wg.Wait()

	if groupErr != nil {
		return nil, nil, groupErr
	}
	return groupRes, personal, nil
}

// stageDerivedPersonal extracts semantics and event logs per personal
// episode, in parallel; branch failures are demoted.
func (s *Service) stageDerivedPersonal(ctx context.Context, episodics []*memory.EpisodicMemory) {
	var wg sync.WaitGroup
	for _, ep := range episodics {
		if ep.UserID == "" {
			continue
		}
		wg.Add(1)
		go func(ep *memory.EpisodicMemory) {
			defer wg.Done()
			s.deriveAndSave(ctx, ep, ep.UserID)
		}(ep)
	}
	wg.Wait()
}

// stageDerivedAssistant extracts once from the group episode, then clones the
// results for every human participant.
func (s *Service) stageDerivedAssistant(ctx context.Context, episodics []*memory.EpisodicMemory, humans []string) {
	if len(humans) == 0 {
		return
	}
	groupEp := episodics[0]
	perUser := make(map[string]*memory.EpisodicMemory, len(episodics))
	for _, ep := range episodics[1:] {
		perUser[ep.UserID] = ep
	}

	primary := humans[0]
	semantics, err := s.extractor.Semantics(ctx, groupEp, primary)
	if err != nil {
		log.Warn().Err(err).Str("event_id", groupEp.EventID).Msg("semantic_extraction_demoted")
		semantics = nil
	}
	eventLog, err := s.extractor.EventLog(ctx, groupEp, primary)
	if err != nil {
		log.Warn().Err(err).Str("event_id", groupEp.EventID).Msg("event_log_extraction_demoted")
		eventLog = nil
	}

	var allSemantics []*memory.SemanticMemoryItem
	var allLogs []*memory.EventLog
	for _, userID := range humans {
		parent := groupEp
		if ep, ok := perUser[userID]; ok {
			parent = ep
		}
		for _, item := range semantics {
			clone := *item
			clone.EventID = ""
			clone.UserID = userID
			clone.SourceEpisodeID = parent.EventID
			allSemantics = append(allSemantics, &clone)
		}
		if eventLog != nil {
			clone := *eventLog
			clone.EventID = ""
			clone.UserID = userID
			clone.ParentEpisodeID = parent.EventID
			allLogs = append(allLogs, &clone)
		}
	}

	if err := s.facade.SaveSemantics(ctx, allSemantics); err != nil {
		log.Error().Err(err).Msg("semantic_persist_failed")
	}
	if err := s.facade.SaveEventLogs(ctx, allLogs); err != nil {
		log.Error().Err(err).Msg("event_log_persist_failed")
	}
}

func (s *Service) deriveAndSave(ctx context.Context, ep *memory.EpisodicMemory, userID string) {
	var wg sync.WaitGroup
	var semantics []*memory.SemanticMemoryItem
	var eventLog *memory.EventLog

	wg.Add(2)
	go func() {
		defer wg.Done()
		items, err := s.extractor.Semantics(ctx, ep, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("semantic_extraction_demoted")
			return
		}
		semantics = items
	}()
	go func() {
		defer wg.Done()
		el, err := s.extractor.EventLog(ctx, ep, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("event_log_extraction_demoted")
			return
		}
		eventLog = el
	}()
	wg.Wait()

	if err := s.facade.SaveSemantics(ctx, semantics); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("semantic_persist_failed")
	}
	if eventLog != nil {
		if err := s.facade.SaveEventLogs(ctx, []*memory.EventLog{eventLog}); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("event_log_persist_failed")
		}
	}
}

func (s *Service) stageForesight(ctx context.Context, groupEp *memory.EpisodicMemory, humans []string, isAssistant bool) {
	items, err := s.extractor.Foresights(ctx, groupEp, "")
	if err != nil {
		log.Warn().Err(err).Str("event_id", groupEp.EventID).Msg("foresight_extraction_demoted")
		return
	}
	if len(items) == 0 {
		return
	}

	all := items
	if isAssistant {
		// Assistant scenes clone foresights per human, mirroring the
		// semantic/event-log cloning.
		for _, userID := range humans {
			for _, item := range items {
				clone := *item
				clone.EventID = ""
				clone.UserID = userID
				all = append(all, &clone)
			}
		}
	}
	if err := s.facade.SaveForesights(ctx, all); err != nil {
		log.Error().Err(err).Msg("foresight_persist_failed")
	}
}

// RebuildProfile regenerates the profile for one (user, group) from their
// recent episodes. Wired to the clustering callback port.
func (s *Service) RebuildProfile(ctx context.Context, groupID, userID string) error {
	if !s.cfg.EnableProfiles {
		return nil
	}
	episodes, err := s.cells.ListEpisodeTexts(ctx, groupID, userID, 20)
	if err != nil {
		return fmt.Errorf("profile episodes load: %w", err)
	}
	if len(episodes) == 0 {
		return nil
	}

	prev, err := s.facade.Docs().LatestProfile(ctx, userID, groupID)
	if err != nil {
		prev = nil
	}
	profile, err := s.extractor.Profile(ctx, userID, groupID, episodes, prev)
	if err != nil {
		return fmt.Errorf("profile extraction: %w", err)
	}
	return s.facade.SaveProfile(ctx, profile)
}
