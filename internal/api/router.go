package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter wires the hub routes onto a gin engine.
func NewRouter(h *Handler, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/ws", h.Websocket)

	api := router.Group("/api")
	api.POST("/pair", h.Pair)
	api.GET("/devices", h.ListDevices)
	api.GET("/commands", h.ListCommands)
	api.GET("/commands/:device_id", h.ListDeviceCommands)
	api.POST("/cmd/:device_id", h.DispatchCommand)
	api.GET("/ws_clients", h.ListClients)

	return router
}

// requestLogger logs one line per request; websocket sessions log when they end.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.Debug()
		if c.Writer.Status() >= 500 {
			event = logger.Error()
		}
		event.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
