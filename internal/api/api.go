// Package api is the REST surface for accounts, rooms, durable membership
// and message history.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// Backend is the storage the REST API needs.
type Backend interface {
	store.Directory
	ListRecentMessages(ctx context.Context, room chat.RoomID, id chat.Identity, limit int) ([]chat.Message, error)
}

const identityKey = "identity"

// Server holds the REST handlers.
type Server struct {
	backend  Backend
	verifier *security.Verifier
	config   func() *config.Config

	// SigninLimiter throttles signin attempts per client IP. Optional.
	SigninLimiter *security.RateLimiter
}

// New creates a Server. getConfig is consulted per request so reloaded
// settings such as token_ttl take effect.
func New(b Backend, v *security.Verifier, getConfig func() *config.Config) *Server {
	return &Server{backend: b, verifier: v, config: getConfig}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	v1 := r.Group("/api/v1")
	v1.POST("/auth/signup", s.signup)
	v1.POST("/auth/signin", s.signin)

	rooms := v1.Group("/rooms", s.requireAuth())
	rooms.POST("", s.createRoom)
	rooms.GET("/:roomId", s.getRoom)
	rooms.POST("/:roomId/join", s.joinRoom)
	rooms.DELETE("/:roomId/leave", s.leaveRoom)
	rooms.GET("/:roomId/messages", s.listMessages)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found"})
	})
	return r
}

// requireAuth accepts "Authorization: Bearer <token>" or a bare token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token := security.ExtractBearerToken(header)
		if token == "" {
			token = header
		}
		id, err := s.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) chat.Identity {
	return c.MustGet(identityKey).(chat.Identity)
}

// queryContext bounds a store call by storage.query_timeout.
func (s *Server) queryContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.config().Storage.QueryTimeout)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"duration", time.Since(start).String(),
		)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"message": msg})
}

func internalError(c *gin.Context, op string, err error) {
	slog.Error("api request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
}
