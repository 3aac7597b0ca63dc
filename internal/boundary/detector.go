// Package boundary decides when an accumulated message sequence contains a
// completed, self-contained episode. Cheap pre-filters run first; the LLM is
// only consulted once the sequence could plausibly close an episode.
package boundary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/llm"
	"memora/internal/memory"
)

// Status is the tagged outcome of a boundary decision.
type Status string

const (
	StatusBoundary Status = "boundary"
	StatusContinue Status = "continue"
	StatusWait     Status = "wait"
)

// DecideInput carries the rolling window plus the newly arrived messages.
type DecideInput struct {
	History      []memory.RawMessage
	New          []memory.RawMessage
	GroupID      string
	GroupName    string
	Participants []string
	RawDataType  memory.RawDataType
	Timezone     *time.Location
}

// decision mirrors the strict reply contract expected from the model.
type decision struct {
	Decision string `json:"decision"`
	EndIndex int    `json:"end_index"`
	Subject  string `json:"subject"`
	Summary  string `json:"summary"`
}

// Detector asks the LLM whether a sequence contains a completed episode.
type Detector struct {
	client llm.Client
	llmCfg config.LLMConfig
	cfg    config.BoundaryConfig
}

// NewDetector builds a detector on the given completion client.
func NewDetector(client llm.Client, llmCfg config.LLMConfig, cfg config.BoundaryConfig) *Detector {
	return &Detector{client: client, llmCfg: llmCfg, cfg: cfg}
}

// Decide returns (memcell, boundary), (nil, continue), or (nil, wait).
// Parse failures degrade to wait so the state machine stays total; exhausted
// LLM retries surface the error to the caller.
func (d *Detector) Decide(ctx context.Context, in DecideInput) (*memory.MemCell, Status, error) {
	if len(in.New) == 0 {
		return nil, StatusContinue, nil
	}

	seq := mergeByTime(in.History, in.New)
	hard := d.hardSignal(seq, in.Timezone)

	if len(seq) < d.cfg.MinMessages && elapsed(seq) < d.cfg.MinElapsed && !hard {
		return nil, StatusContinue, nil
	}

	prompt := d.buildPrompt(seq, in)
	reply, err := llm.GenerateWithRetry(ctx, d.client, d.llmCfg, prompt, llm.Options{
		Model: d.llmCfg.BoundaryModel,
	})
	if err != nil {
		return nil, StatusWait, fmt.Errorf("boundary decision: %w", err)
	}

	var dec decision
	if err := llm.ExtractJSON(reply, &dec); err != nil {
		log.Warn().Err(err).Str("group_id", in.GroupID).Msg("boundary_reply_unparseable")
		return nil, StatusWait, nil
	}

	switch dec.Decision {
	case "continue":
		return nil, StatusContinue, nil
	case "boundary":
		return d.buildMemCell(seq, in, dec)
	default:
		// "wait" and anything unknown both hold the window.
		return nil, StatusWait, nil
	}
}

func (d *Detector) buildMemCell(seq []memory.RawMessage, in DecideInput, dec decision) (*memory.MemCell, Status, error) {
	end := dec.EndIndex
	if end >= len(seq) {
		end = len(seq) - 1
	}

	// The episode must consume at least the first new message; an end index
	// inside history means the evidence is insufficient.
	firstNew := indexOf(seq, in.New[0].MessageID)
	if firstNew < 0 || end < firstNew {
		log.Debug().Str("group_id", in.GroupID).Int("end_index", dec.EndIndex).Msg("boundary_end_before_new_tail")
		return nil, StatusWait, nil
	}

	episode := seq[:end+1]
	cell := &memory.MemCell{
		GroupID:      in.GroupID,
		GroupName:    in.GroupName,
		Participants: distinctSenders(episode),
		Timestamp:    episode[len(episode)-1].CreatedAt,
		Type:         in.RawDataType,
		OriginalData: episode,
		Summary:      dec.Summary,
		Subject:      dec.Subject,
	}
	return cell, StatusBoundary, nil
}

// hardSignal reports boundary evidence that bypasses the size pre-filter:
// a long silence between consecutive messages or a date rollover in the
// group's timezone.
func (d *Detector) hardSignal(seq []memory.RawMessage, tz *time.Location) bool {
	if tz == nil {
		tz = time.UTC
	}
	for i := 1; i < len(seq); i++ {
		prev, cur := seq[i-1].CreatedAt, seq[i].CreatedAt
		if cur.Sub(prev) >= d.cfg.HardGap {
			return true
		}
		py, pm, pd := prev.In(tz).Date()
		cy, cm, cd := cur.In(tz).Date()
		if py != cy || pm != cm || pd != cd {
			return true
		}
	}
	return false
}

func (d *Detector) buildPrompt(seq []memory.RawMessage, in DecideInput) string {
	var sb strings.Builder
	sb.WriteString("You segment conversations into self-contained episodes.\n")
	sb.WriteString("Given the numbered messages below, decide whether they contain one COMPLETED episode.\n")
	sb.WriteString("Reply with exactly one JSON object, no prose:\n")
	sb.WriteString(`  {"decision":"boundary","end_index":<int>,"subject":"<short>","summary":"<short>"}` + "\n")
	sb.WriteString(`  {"decision":"continue"}  when the thread clearly keeps going` + "\n")
	sb.WriteString(`  {"decision":"wait"}  when more messages are needed to tell` + "\n")
	sb.WriteString("end_index is the index of the LAST message inside the episode.\n\n")
	if in.GroupName != "" {
		fmt.Fprintf(&sb, "Conversation: %s\n", in.GroupName)
	}
	fmt.Fprintf(&sb, "Participants: %s\n\n", strings.Join(in.Participants, ", "))
	for i, msg := range seq {
		name := msg.SenderName
		if name == "" {
			name = msg.SenderID
		}
		fmt.Fprintf(&sb, "[%d] %s @ %s: %s\n", i, name, msg.CreatedAt.UTC().Format(time.RFC3339), msg.Content)
	}
	return sb.String()
}

// mergeByTime concatenates history and new ordered by created_at. The sort is
// stable so equal timestamps keep arrival order.
func mergeByTime(history, fresh []memory.RawMessage) []memory.RawMessage {
	seq := make([]memory.RawMessage, 0, len(history)+len(fresh))
	seq = append(seq, history...)
	seq = append(seq, fresh...)
	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].CreatedAt.Before(seq[j].CreatedAt)
	})
	return seq
}

func elapsed(seq []memory.RawMessage) time.Duration {
	if len(seq) < 2 {
		return 0
	}
	return seq[len(seq)-1].CreatedAt.Sub(seq[0].CreatedAt)
}

func indexOf(seq []memory.RawMessage, messageID string) int {
	for i, m := range seq {
		if m.MessageID == messageID {
			return i
		}
	}
	return -1
}

func distinctSenders(seq []memory.RawMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range seq {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			out = append(out, m.SenderID)
		}
	}
	return out
}
