package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	orch *orch.Orchestrator
	cfg  *config.Config
}

type CreateRoomRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName"`
}

type CreateRoomResponse struct {
	RoomCode  string `json:"roomCode"`
	CreatedBy string `json:"createdBy"`
}

type MemberView struct {
	ID          domain.UserID `json:"id"`
	DisplayName string        `json:"displayName"`
	Online      bool          `json:"online"`
}

type ClientConfigResponse struct {
	Transcript config.TranscriptConfig `json:"transcript"`
	Mesh       config.MeshConfig       `json:"mesh"`
	ICEServers []string                `json:"iceServers"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (h *handlers) clientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, ClientConfigResponse{
		Transcript: h.cfg.Transcript,
		Mesh:       h.cfg.Mesh,
		ICEServers: h.cfg.ICEServers,
	})
}

func (h *handlers) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return
	}
	userID, err := domain.ParseUserID(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := domain.User{ID: userID}
	name := req.DisplayName
	if name == "" {
		name = string(userID)
	}
	if err := user.SetDisplayName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.orch.Store.EnsureUser(ctx, user); err != nil {
		h.internal(c, err, "ensure user")
		return
	}
	room, err := h.orch.Store.CreateRoom(ctx, userID)
	if err != nil {
		h.internal(c, err, "create room")
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(room.Code)).Str("user", string(userID)).Msg("room created")
	c.JSON(http.StatusCreated, CreateRoomResponse{RoomCode: string(room.Code), CreatedBy: string(room.CreatedBy)})
}

func (h *handlers) listMembers(c *gin.Context) {
	code, ok := h.roomCode(c)
	if !ok {
		return
	}
	users, err := h.orch.Store.ListMembers(c.Request.Context(), code)
	if err != nil {
		h.storeError(c, err, "list members")
		return
	}
	online := make(map[domain.UserID]bool)
	for _, id := range h.orch.Members(code) {
		online[id] = true
	}
	out := make([]MemberView, len(users))
	for i, u := range users {
		out[i] = MemberView{ID: u.ID, DisplayName: u.DisplayName, Online: online[u.ID]}
	}
	c.JSON(http.StatusOK, gin.H{"roomCode": code, "members": out})
}

func (h *handlers) listMessages(c *gin.Context) {
	code, ok := h.roomCode(c)
	if !ok {
		return
	}
	limit := h.cfg.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, h.cfg.HistoryLimit)
	}
	msgs, err := h.orch.Store.FetchHistory(c.Request.Context(), code, limit)
	if err != nil {
		h.storeError(c, err, "fetch history")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"roomCode": code, "messages": msgs})
}

func (h *handlers) roomCode(c *gin.Context) (domain.RoomCode, bool) {
	code, err := domain.ParseRoomCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return code, true
}

func (h *handlers) storeError(c *gin.Context, err error, op string) {
	if errors.Is(err, core.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.internal(c, err, op)
}

func (h *handlers) internal(c *gin.Context, err error, op string) {
	log.Error().Err(err).Str("module", "adapters.http").Str("op", op).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
