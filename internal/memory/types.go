// Package memory defines the entities shared across ingestion, extraction,
// storage, and retrieval.
package memory

import "time"

// Scene describes the kind of conversation a group carries.
type Scene string

const (
	SceneAssistant Scene = "assistant"
	SceneCompanion Scene = "companion"
	SceneGroupChat Scene = "group_chat"
	SceneOther     Scene = "other"
)

// IsAssistant reports whether the scene follows the assistant extraction plan
// (one group episode cloned per user instead of per-user LLM calls).
func (s Scene) IsAssistant() bool {
	return s == SceneAssistant || s == SceneCompanion
}

// RawDataType distinguishes the origin of a MemCell.
type RawDataType string

const (
	RawDataConversation RawDataType = "conversation"
	RawDataLinkDoc      RawDataType = "linkdoc"
)

// MemoryType discriminates the persisted memory union.
type MemoryType string

const (
	TypeEpisodic  MemoryType = "episodic"
	TypeSemantic  MemoryType = "semantic"
	TypeEventLog  MemoryType = "event_log"
	TypeProfile   MemoryType = "profile"
	TypeForesight MemoryType = "foresight"
)

// RawMessage is one ingested message. Immutable once received.
type RawMessage struct {
	MessageID  string    `json:"message_id"`
	GroupID    string    `json:"group_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	RefersTo   []string  `json:"refers_to,omitempty"`
}

// Participant describes one member of a conversation.
type Participant struct {
	Name string `json:"full_name"`
	Role string `json:"role"`
}

// ConversationMeta is the one-per-group conversation description.
type ConversationMeta struct {
	GroupID         string                 `json:"group_id"`
	Name            string                 `json:"name,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Scene           Scene                  `json:"scene"`
	SceneDesc       map[string]any         `json:"scene_desc,omitempty"`
	Participants    map[string]Participant `json:"user_details,omitempty"`
	DefaultTimezone string                 `json:"default_timezone,omitempty"`
	Version         string                 `json:"version,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// BotParticipants returns the user ids whose role marks them as a bot.
func (m *ConversationMeta) BotParticipants() map[string]bool {
	bots := make(map[string]bool)
	for id, p := range m.Participants {
		if p.Role == "bot" || p.Role == "assistant" {
			bots[id] = true
		}
	}
	return bots
}

// ConversationStatus tracks per-group ingestion progress. Mutated by the
// ingestion pipeline only; last_message_at advances monotonically.
type ConversationStatus struct {
	GroupID          string    `json:"group_id"`
	LastMessageAt    time.Time `json:"last_message_at"`
	LastMemCellAt    time.Time `json:"last_memcell_at"`
	AwaitingBoundary bool      `json:"awaiting_boundary"`
}

// MemCell is the durable, immutable representation of one detected episode.
// EventID, Timestamp, and OriginalData never change after persistence;
// Subject and Episode are back-filled by the extraction worker.
type MemCell struct {
	EventID      string       `json:"event_id"`
	GroupID      string       `json:"group_id"`
	GroupName    string       `json:"group_name,omitempty"`
	Participants []string     `json:"participants"`
	Timestamp    time.Time    `json:"timestamp"`
	Type         RawDataType  `json:"type"`
	OriginalData []RawMessage `json:"original_data"`
	Summary      string       `json:"summary,omitempty"`
	Episode      string       `json:"episode,omitempty"`
	Subject      string       `json:"subject,omitempty"`
}

// EpisodicMemory is the LLM-produced narrative of a MemCell. UserID empty
// means group scope.
type EpisodicMemory struct {
	EventID          string    `json:"event_id"`
	ParentMemCellIDs []string  `json:"parent_memcell_ids"`
	UserID           string    `json:"user_id,omitempty"`
	GroupID          string    `json:"group_id"`
	Timestamp        time.Time `json:"timestamp"`
	Subject          string    `json:"subject"`
	Episode          string    `json:"episode"`
	Summary          string    `json:"summary"`
	Embedding        []float32 `json:"-"`
}

// SemanticMemoryItem is an atomic fact or preference extracted from an
// episode, always attributed to one user.
type SemanticMemoryItem struct {
	EventID         string     `json:"event_id"`
	UserID          string     `json:"user_id"`
	GroupID         string     `json:"group_id"`
	Content         string     `json:"content"`
	Evidence        string     `json:"evidence,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationDays    int        `json:"duration_days,omitempty"`
	SourceEpisodeID string     `json:"source_episode_id"`
	Timestamp       time.Time  `json:"timestamp"`
	Embedding       []float32  `json:"-"`
}

// EventLog is the chronological list of atomic facts per episode, per user.
// FactEmbeddings is parallel to AtomicFacts.
type EventLog struct {
	EventID         string      `json:"event_id"`
	ParentEpisodeID string      `json:"parent_episode_id"`
	UserID          string      `json:"user_id"`
	GroupID         string      `json:"group_id"`
	Time            time.Time   `json:"time"`
	AtomicFacts     []string    `json:"atomic_facts"`
	FactEmbeddings  [][]float32 `json:"-"`
}

// ProfileMemory is the version-chained per-(user, group) structured summary.
// For each (user_id, group_id) exactly one row has IsLatest true.
type ProfileMemory struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	GroupID   string    `json:"group_id"`
	Version   int       `json:"version"`
	IsLatest  bool      `json:"is_latest"`
	Scenario  string    `json:"scenario,omitempty"`
	Summary   string    `json:"summary"`
	Interests []string  `json:"interests,omitempty"`
	Skills    []string  `json:"skills,omitempty"`
	Traits    []string  `json:"traits,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Foresight is a prediction with an optional validity window used to filter
// at retrieval time.
type Foresight struct {
	EventID         string     `json:"event_id"`
	ParentEpisodeID string     `json:"parent_episode_id"`
	UserID          string     `json:"user_id,omitempty"`
	GroupID         string     `json:"group_id"`
	Content         string     `json:"content"`
	Evidence        string     `json:"evidence,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	Embedding       []float32  `json:"-"`
}

// Retrieved is one retrieval hit, normalized across memory types.
type Retrieved struct {
	EventID    string     `json:"event_id"`
	MemoryType MemoryType `json:"memory_type"`
	UserID     string     `json:"user_id,omitempty"`
	GroupID    string     `json:"group_id"`
	Content    string     `json:"content"`
	Subject    string     `json:"subject,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Score      float64    `json:"score"`
}
