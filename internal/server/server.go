// Package server exposes the relay over HTTP: WebSocket upgrades mapping
// the URL path to a room name, plus health, stats and metrics endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/metrics"
	"github.com/yrooms/relay/internal/transport"
	"github.com/yrooms/relay/internal/yroom"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, validate against allowed origins
		return true
	},
}

// Server handles WebSocket connections for the relay.
type Server struct {
	registry *yroom.Registry
}

// New creates a server on top of registry.
func New(registry *yroom.Registry) *Server {
	return &Server{registry: registry}
}

// Router builds the gin engine: health, stats and metrics endpoints, and a
// catch-all WebSocket route where the URL path names the room.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"roomCount": s.registry.RoomCount()})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// every other path is a room
	r.NoRoute(s.handleWebSocket)
	return r
}

// handleWebSocket upgrades the connection and serves the client on the
// room named by the request path, leading slash included.
func (s *Server) handleWebSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade WebSocket: %v", err)
		return
	}

	t := transport.NewWebSocket(conn, c.Request.URL.Path)
	defer t.Close()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(transport.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := t.Ping(); err != nil {
					return
				}
			}
		}
	}()

	if err := s.registry.Serve(c.Request.Context(), t); err != nil {
		logger.Error("serving %s: %v", t.Path(), err)
	}
}
