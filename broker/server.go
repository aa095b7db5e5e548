package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/channelcode"
	"github.com/nicebartender/canvas-relay/journal"
	"github.com/nicebartender/canvas-relay/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventSource lists recent journal entries for GET /status/events.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Server exposes the hub over HTTP: the WebSocket endpoint plus status and
// health routes.
type Server struct {
	hub    *Hub
	events EventSource
	engine *gin.Engine
	logger *logger.Logger
}

// NewServer builds the HTTP surface for hub. events may be nil.
func NewServer(hub *Hub, events EventSource, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		hub:    hub,
		events: events,
		engine: gin.New(),
		logger: log.WithComponent("broker_http"),
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/", s.handleConnection)
	s.engine.GET("/ws", s.handleConnection)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/status/events", s.handleEvents)
	s.engine.GET("/channel/:code", s.handleChannelPreview)
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return s
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay broker listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleConnection(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn)
	if !s.hub.Register(client) {
		_ = conn.Close()
		return
	}
	s.logger.Debug("websocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump()
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.hub.Status(c.Request.Context())
	if d, ok := s.events.(interface{ Dropped() uint64 }); ok {
		n := d.Dropped()
		status.JournalDropped = &n
	}
	code := http.StatusOK
	if !status.Running {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	entries, err := s.events.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("journal read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

// handleChannelPreview decodes a shareable channel code and reports whether
// the channel currently has members on this broker.
func (s *Server) handleChannelPreview(c *gin.Context) {
	brokerURL, channel, err := channelcode.Decode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid code: " + err.Error()})
		return
	}
	status := s.hub.Status(c.Request.Context())
	members := status.Members[channel]
	c.JSON(http.StatusOK, gin.H{
		"broker":  brokerURL,
		"channel": channel,
		"members": members,
		"active":  members > 0,
	})
}
