package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"memora/internal/apperr"
	"memora/internal/config"
	"memora/internal/groupqueue"
	"memora/internal/ingest"
	"memora/internal/linkdoc"
	"memora/internal/llm"
	"memora/internal/memory"
	"memora/internal/retrieval"
	"memora/internal/stores"
	"memora/internal/worker"
)

// Server bundles the handler dependencies.
type Server struct {
	cfg      *config.Config
	pipeline *ingest.Pipeline
	worker   *worker.Service
	engine   *retrieval.Engine
	queue    *groupqueue.Manager
	docs     *stores.PGDocStore
	fetcher  *linkdoc.Fetcher
	llm      llm.Client
}

type apiError struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// fail maps the error taxonomy onto the stable error envelope.
func fail(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindPermission:
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request_failed")
	}
	return c.JSON(status, apiError{
		Status:    "failed",
		Code:      string(kind),
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      c.Request().URL.Path,
	})
}

// memorizeHandler ingests one raw message.
func (s *Server) memorizeHandler(c echo.Context) error {
	var msg memory.RawMessage
	if err := c.Bind(&msg); err != nil {
		return fail(c, apperr.Invalid("invalid request body: %v", err))
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.pipeline.Memorize(c.Request().Context(), []memory.RawMessage{msg})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, apiResponse{
		Status:  "ok",
		Message: "message processed",
		Result:  res,
	})
}

// memorizeStatusHandler exposes the worker's request-status map.
func (s *Server) memorizeStatusHandler(c echo.Context) error {
	requestID := c.Param("request_id")
	status, ok := s.worker.Status(requestID)
	if !ok {
		return fail(c, apperr.NotFound("request %s not found", requestID))
	}
	return c.JSON(http.StatusOK, apiResponse{
		Status: "ok",
		Result: map[string]any{"request_id": requestID, "status_info": status},
	})
}

type memorizeDocRequest struct {
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// memorizeDocHandler ingests a document as a linkdoc MemCell, bypassing
// boundary detection.
func (s *Server) memorizeDocHandler(c echo.Context) error {
	var req memorizeDocRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, apperr.Invalid("invalid request body: %v", err))
	}
	if req.GroupID == "" {
		return fail(c, apperr.Invalid("group_id is required"))
	}

	ctx := c.Request().Context()
	var cell *memory.MemCell
	var err error
	switch {
	case req.URL != "":
		cell, err = s.fetcher.FromURL(ctx, req.URL, req.GroupID, req.UserID)
	case req.Content != "":
		cell, err = s.fetcher.FromContent(req.Title, req.Content, "inline", req.GroupID, req.UserID)
	default:
		err = apperr.Invalid("either url or content is required")
	}
	if err != nil {
		return fail(c, err)
	}

	if err := s.docs.InsertMemCell(ctx, cell); err != nil {
		return fail(c, err)
	}
	meta, err := s.docs.GetConversationMeta(ctx, req.GroupID)
	if err != nil {
		meta = &memory.ConversationMeta{GroupID: req.GroupID, Scene: memory.SceneOther}
	}
	requestID, err := s.worker.Submit(cell, meta)
	if err != nil {
		return fail(c, apperr.Transient(err, "extraction submit"))
	}
	return c.JSON(http.StatusOK, apiResponse{
		Status: "ok",
		Result: ingest.Result{RequestID: requestID, StatusInfo: ingest.StatusSubmitted},
	})
}

// retrieveLightweightHandler serves single-round retrieval.
func (s *Server) retrieveLightweightHandler(c echo.Context) error {
	var req retrieval.Request
	if err := c.Bind(&req); err != nil {
		return fail(c, apperr.Invalid("invalid request body: %v", err))
	}
	res, err := s.engine.RetrieveLightweight(c.Request().Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type agenticRequest struct {
	retrieval.Request
	LLMConfig struct {
		APIKey  string `json:"api_key,omitempty"`
		BaseURL string `json:"base_url,omitempty"`
		Model   string `json:"model,omitempty"`
	} `json:"llm_config"`
}

// retrieveAgenticHandler serves the multi-round loop; callers may bring
// their own model credentials.
func (s *Server) retrieveAgenticHandler(c echo.Context) error {
	var req agenticRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, apperr.Invalid("invalid request body: %v", err))
	}

	llmCfg := s.cfg.LLM
	client := s.llm
	if req.LLMConfig.APIKey != "" || req.LLMConfig.BaseURL != "" || req.LLMConfig.Model != "" {
		if req.LLMConfig.APIKey != "" {
			llmCfg.APIKey = req.LLMConfig.APIKey
		}
		if req.LLMConfig.BaseURL != "" {
			llmCfg.BaseURL = req.LLMConfig.BaseURL
		}
		if req.LLMConfig.Model != "" {
			llmCfg.Model = req.LLMConfig.Model
		}
		perRequest, err := llm.New(llmCfg)
		if err != nil {
			return fail(c, apperr.Invalid("llm_config: %v", err))
		}
		client = perRequest
	}

	res, meta, err := s.engine.RetrieveAgentic(c.Request().Context(), req.Request, client, llmCfg)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories": res.Memories,
		"count":    res.Count,
		"metadata": meta,
	})
}

// conversationMetaHandler upserts the per-group conversation description.
func (s *Server) conversationMetaHandler(c echo.Context) error {
	var meta memory.ConversationMeta
	if err := c.Bind(&meta); err != nil {
		return fail(c, apperr.Invalid("invalid request body: %v", err))
	}
	if meta.GroupID == "" {
		return fail(c, apperr.Invalid("group_id is required"))
	}
	switch meta.Scene {
	case memory.SceneAssistant, memory.SceneCompanion, memory.SceneGroupChat, memory.SceneOther:
	case "":
		meta.Scene = memory.SceneOther
	default:
		return fail(c, apperr.Invalid("unknown scene %q", meta.Scene))
	}

	if err := s.docs.UpsertConversationMeta(c.Request().Context(), &meta); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, apiResponse{Status: "ok", Message: "conversation meta saved"})
}

// getConversationMetaHandler reads one group's meta.
func (s *Server) getConversationMetaHandler(c echo.Context) error {
	meta, err := s.docs.GetConversationMeta(c.Request().Context(), c.Param("group_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, apiResponse{Status: "ok", Result: meta})
}

// queueStatsHandler snapshots the group queue counters.
func (s *Server) queueStatsHandler(c echo.Context) error {
	stats, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, apiResponse{Status: "ok", Result: stats})
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
