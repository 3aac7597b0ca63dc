package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// registerRoutes sets up the stable HTTP surface.
func registerRoutes(e *echo.Echo, s *Server) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", s.healthHandler)

	e.POST("/memorize", s.memorizeHandler)
	e.GET("/memorize/status/:request_id", s.memorizeStatusHandler)
	e.POST("/memorize_doc", s.memorizeDocHandler)

	e.POST("/retrieve_lightweight", s.retrieveLightweightHandler)
	e.POST("/retrieve_agentic", s.retrieveAgenticHandler)

	e.POST("/conversation-meta", s.conversationMetaHandler)
	e.GET("/conversation-meta/:group_id", s.getConversationMetaHandler)

	e.GET("/queue/stats", s.queueStatsHandler)
}

// wrapTraced wraps the echo handler tree with OTel HTTP instrumentation when
// tracing is on.
func wrapTraced(e *echo.Echo, enabled bool) http.Handler {
	if !enabled {
		return e
	}
	return otelhttp.NewHandler(e, "memora-http")
}
