package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/store"
)

const maxHistoryLimit = 500

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]{3,50}$`)

type signupRequest struct {
	Email    string `json:"email" binding:"required,email,max=254"`
	Password string `json:"password" binding:"required,min=6,max=72"`
	Name     string `json:"name" binding:"required,max=100"`
	Photo    string `json:"photo" binding:"omitempty,url"`
}

type signinRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type createRoomRequest struct {
	Slug string `json:"slug" binding:"required"`
}

func (s *Server) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid signup data")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config().Auth.BcryptCost)
	if err != nil {
		internalError(c, "hash password", err)
		return
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()
	user, err := s.backend.CreateUser(ctx, chat.User{
		Email:        req.Email,
		Name:         req.Name,
		Photo:        req.Photo,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"message": "Email already registered"})
		return
	}
	if err != nil {
		internalError(c, "create user", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User created",
		"user":    gin.H{"id": user.ID, "email": user.Email, "name": user.Name},
	})
}

func (s *Server) signin(c *gin.Context) {
	if s.SigninLimiter != nil && !s.SigninLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"message": "Too many attempts"})
		return
	}

	var req signinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid signin data")
		return
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()
	user, err := s.backend.UserByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		internalError(c, "lookup user", err)
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid email or password"})
		return
	}

	token, _, err := s.verifier.Issue(user.ID, s.config().Auth.TokenTTL)
	if err != nil {
		internalError(c, "issue token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Signin successful", "token": token})
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid room data")
		return
	}
	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if !slugPattern.MatchString(slug) {
		badRequest(c, "Slug must be 3-50 characters of a-z, 0-9, '-' or '_'")
		return
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()
	room, err := s.backend.CreateRoom(ctx, slug, identityFrom(c))
	switch {
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"message": "Room already exists"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unknown user"})
	case err != nil:
		internalError(c, "create room", err)
	default:
		c.JSON(http.StatusCreated, gin.H{"message": "Room created", "room": room})
	}
}

// roomParam parses :roomId, writing a 400 on failure.
func roomParam(c *gin.Context) (chat.RoomID, bool) {
	n, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	room := chat.RoomID(n)
	if err != nil || !room.Valid() {
		badRequest(c, "Invalid room id")
		return 0, false
	}
	return room, true
}

func (s *Server) getRoom(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	ctx, cancel := s.queryContext(c)
	defer cancel()

	details, err := s.backend.RoomByID(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Room not found"})
		return
	}
	if err != nil {
		internalError(c, "get room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room details", "details": details})
}

func (s *Server) joinRoom(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	ctx, cancel := s.queryContext(c)
	defer cancel()

	err := s.backend.AddMember(ctx, room, identityFrom(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Room not found"})
		return
	}
	if err != nil {
		internalError(c, "join room", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Room joined"})
}

func (s *Server) leaveRoom(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	ctx, cancel := s.queryContext(c)
	defer cancel()

	err := s.backend.RemoveMember(ctx, room, identityFrom(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "You are not a member of this room"})
		return
	}
	if err != nil {
		internalError(c, "leave room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room left"})
}

// listMessages returns the caller's own messages in the room, newest first.
func (s *Server) listMessages(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	limit := s.config().Storage.HistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			badRequest(c, "Invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx, cancel := s.queryContext(c)
	defer cancel()
	msgs, err := s.backend.ListRecentMessages(ctx, room, identityFrom(c), limit)
	if err != nil {
		internalError(c, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
