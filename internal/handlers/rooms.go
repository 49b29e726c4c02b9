package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// RoomHandler exposes the synchronous query surface: room get-or-create by
// member set and paginated history. It is read-only with respect to the
// delivery engine; live traffic goes over the websocket.
type RoomHandler struct {
	roomRepo    repositories.RoomRepository
	messageRepo repositories.MessageRepository
	audit       *telemetry.AuditEmitter
}

// NewRoomHandler constructs a RoomHandler.
func NewRoomHandler(roomRepo repositories.RoomRepository, messageRepo repositories.MessageRepository, audit *telemetry.AuditEmitter) *RoomHandler {
	return &RoomHandler{roomRepo: roomRepo, messageRepo: messageRepo, audit: audit}
}

// CreateRoom handles POST /rooms: get-or-create by member-id set. Two
// members and no name means a direct room with a deterministic id; anything
// else is a group room matched by exact member set.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID := c.GetInt("userID")

	var req struct {
		MemberIDs []int  `json:"member_ids" binding:"required"`
		Name      string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The caller is always part of the room it asks for.
	members := append([]int{userID}, req.MemberIDs...)
	memberSet := map[int]struct{}{}
	for _, id := range members {
		memberSet[id] = struct{}{}
	}
	if len(memberSet) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least two distinct members are required"})
		return
	}

	var (
		room models.Room
		err  error
	)
	if len(memberSet) == 2 && req.Name == "" {
		other := userID
		for id := range memberSet {
			if id != userID {
				other = id
			}
		}
		room, err = h.roomRepo.GetOrCreateDirectRoom(c.Request.Context(), userID, other)
	} else {
		room, err = h.roomRepo.GetOrCreateGroupRoom(c.Request.Context(), members, req.Name)
	}
	if err != nil {
		if errors.Is(err, repositories.ErrTooFewMembers) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create room"})
		return
	}

	h.emitAudit(c, "INFO", "Room created")
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID})
}

// ListRooms returns the rooms the caller belongs to, with their member sets.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	userID := c.GetInt("userID")

	rooms, err := h.roomRepo.RoomsOfUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rooms"})
		return
	}

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		members, err := h.roomRepo.MembersOfRoom(c.Request.Context(), room.ID, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load members"})
			return
		}
		summaries = append(summaries, models.RoomSummary{
			RoomID:    room.ID,
			Name:      room.Name,
			MemberIDs: members,
			CreatedAt: room.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"rooms": summaries})
}

// GetRoomHistory returns room messages newest-first with before/limit
// pagination. Membership is enforced before anything is read.
func (h *RoomHandler) GetRoomHistory(c *gin.Context) {
	roomID := c.Param("room_id")
	userID := c.GetInt("userID")

	member, err := h.roomRepo.IsMember(c.Request.Context(), roomID, userID)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		h.emitAudit(c, "ERROR", "not allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a room member"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if parsed > maxHistoryLimit {
			parsed = maxHistoryLimit
		}
		limit = parsed
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = &parsed
	}

	msgs, err := h.messageRepo.History(c.Request.Context(), roomID, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *RoomHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
