// Package llm provides the completion oracle used by boundary detection,
// extraction, and agentic retrieval. Providers implement a single
// generate(prompt) -> text contract.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"memora/internal/config"
)

// Options tune a single generation call. Zero values fall back to the
// client's configured defaults.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client is the outbound completion contract.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// New builds the configured provider.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// GenerateWithRetry wraps Generate with bounded exponential backoff and a
// per-attempt deadline. Context cancellation aborts the retry loop.
func GenerateWithRetry(ctx context.Context, c Client, cfg config.LLMConfig, prompt string, opts Options) (string, error) {
	var out string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		text, err := c.Generate(callCtx, prompt, opts)
		if err != nil {
			return err
		}
		out = text
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	retries := cfg.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	if err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("next_retry", next).Msg("llm_generate_retry")
	}); err != nil {
		return "", err
	}
	return out, nil
}

// ExtractJSON pulls the first top-level JSON object out of a model reply and
// unmarshals it into v. Models routinely wrap JSON in prose or code fences.
func ExtractJSON(reply string, v any) error {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}
