// Package gateway exposes the sync engine to browser and mobile clients over
// WebSocket. Clients authenticate with an HS256 JWT whose user_id claim
// becomes the sender of everything they do.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/activity"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Backend is the part of the sync engine the gateway drives.
type Backend interface {
	SendMessage(channelID string, msg chat.Outgoing) (string, error)
	ListenMessages(channelID string, cb func([]chat.Message)) func()
	AddReaction(channelID, messageID, userID, emoji string) error
	EditMessage(channelID, messageID, body string) error
	MarkRead(channelID, messageID, userID string) error
	SetTyping(channelID, userID string, isTyping bool) error
	SetPresence(userID string, st presence.Status, meta *presence.Metadata) error
	ListenPresence(userID string, cb func(presence.Record)) func()
	AddActivity(userID string, typ activity.Type, data activity.Data, vis activity.Visibility) (string, error)
	ListenActivity(userID string, cb func([]activity.Event), opts activity.ListenOptions) func()
	ConnectionStatus() status.ConnectionState
	QueueStats() map[string]int
}

// Gateway serves /healthz, /v1/status and the /v1/ws WebSocket endpoint.
type Gateway struct {
	backend Backend
	secret  []byte
	logger  *zap.Logger
	router  *gin.Engine

	upgrader websocket.Upgrader

	mu     sync.Mutex
	srv    *http.Server
	conns  map[*conn]struct{}
	closed bool
}

// New builds the gateway's router. secret verifies client tokens.
func New(backend Backend, secret []byte, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	g := &Gateway{
		backend: backend,
		secret:  secret,
		logger:  logger,
		conns:   make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(gin.Recovery(), g.logRequests)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := router.Group("/v1")
	v1.GET("/status", g.handleStatus)
	v1.GET("/ws", g.handleWS)
	g.router = router
	return g
}

// Handler returns the HTTP handler, for tests and custom servers.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Serve accepts connections on l until Shutdown.
func (g *Gateway) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return http.ErrServerClosed
	}
	g.srv = srv
	g.mu.Unlock()

	g.logger.Info("gateway listening", zap.String("addr", l.Addr().String()))
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes every WebSocket connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	srv := g.srv
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) handleStatus(c *gin.Context) {
	st := g.backend.ConnectionStatus()
	c.JSON(http.StatusOK, gin.H{
		"connected":            st.Connected,
		"quality":              st.Quality,
		"last_transition_at":   st.LastTransitionAt,
		"consecutive_failures": st.ConsecutiveFailures,
		"queues":               g.backend.QueueStats(),
	})
}

func (g *Gateway) handleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := ParseToken(g.secret, token)
	if err != nil {
		g.logger.Info("rejected websocket token", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	cn := newConn(ws, claims.UserID, g.backend, g.logger.With(zap.String("user_id", claims.UserID)))
	if !g.track(cn) {
		_ = ws.Close()
		return
	}
	defer g.untrack(cn)
	cn.run(c.Request.Context())
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

func (g *Gateway) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	g.logger.Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)),
	)
}
