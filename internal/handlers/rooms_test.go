package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

func setupRoomRouter(t *testing.T, userID int, rooms *mocks.RoomRepositoryMock, messages *mocks.MessageRepositoryMock) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewRoomHandler(rooms, messages, nil)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})
	router.POST("/rooms", handler.CreateRoom)
	router.GET("/rooms", handler.ListRooms)
	router.GET("/rooms/:room_id/messages", handler.GetRoomHistory)
	return router
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateDirectRoom(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	rooms.On("GetOrCreateDirectRoom", mock.Anything, 1, 2).
		Return(models.Room{ID: "chat_1_2"}, nil).Once()

	w := postJSON(router, "/rooms", gin.H{"member_ids": []int{2}})

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat_1_2", resp["room_id"])
	rooms.AssertExpectations(t)
}

func TestCreateGroupRoom(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	rooms.On("GetOrCreateGroupRoom", mock.Anything, []int{1, 2, 3}, "team").
		Return(models.Room{ID: "g-1", Name: "team"}, nil).Once()

	w := postJSON(router, "/rooms", gin.H{"member_ids": []int{2, 3}, "name": "team"})

	require.Equal(t, http.StatusOK, w.Code)
	rooms.AssertExpectations(t)
}

func TestCreateRoomNamedPairIsGroup(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	rooms.On("GetOrCreateGroupRoom", mock.Anything, []int{1, 2}, "us").
		Return(models.Room{ID: "g-2", Name: "us"}, nil).Once()

	w := postJSON(router, "/rooms", gin.H{"member_ids": []int{2}, "name": "us"})

	require.Equal(t, http.StatusOK, w.Code)
	rooms.AssertNotCalled(t, "GetOrCreateDirectRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRoomRejectsSelfOnly(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	w := postJSON(router, "/rooms", gin.H{"member_ids": []int{1}})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	rooms.AssertNotCalled(t, "GetOrCreateDirectRoom", mock.Anything, mock.Anything, mock.Anything)
	rooms.AssertNotCalled(t, "GetOrCreateGroupRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRoomRejectsMissingMembers(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	w := postJSON(router, "/rooms", gin.H{"name": "team"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRooms(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rooms.On("RoomsOfUser", mock.Anything, 1).
		Return([]models.Room{{ID: "chat_1_2", CreatedAt: created}}, nil).Once()
	rooms.On("MembersOfRoom", mock.Anything, "chat_1_2", 0).
		Return([]int{1, 2}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Rooms []models.RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	assert.Equal(t, "chat_1_2", resp.Rooms[0].RoomID)
	assert.Equal(t, []int{1, 2}, resp.Rooms[0].MemberIDs)
}

func TestGetRoomHistory(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	rooms.On("IsMember", mock.Anything, "chat_1_2", 1).Return(true, nil).Once()
	messages.On("History", mock.Anything, "chat_1_2", (*time.Time)(nil), 50).
		Return([]models.Message{{ID: "m2"}, {ID: "m1"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms/chat_1_2/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "m2", resp.Messages[0].ID)
	messages.AssertExpectations(t)
}

func TestGetRoomHistoryWithCursor(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	cursor := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rooms.On("IsMember", mock.Anything, "chat_1_2", 1).Return(true, nil).Once()
	messages.On("History", mock.Anything, "chat_1_2", mock.MatchedBy(func(before *time.Time) bool {
		return before != nil && before.Equal(cursor)
	}), 10).Return([]models.Message{}, nil).Once()

	url := "/rooms/chat_1_2/messages?limit=10&before=" + cursor.Format(time.RFC3339Nano)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	messages.AssertExpectations(t)
}

func TestGetRoomHistoryForbiddenForNonMember(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 9, rooms, messages)

	rooms.On("IsMember", mock.Anything, "chat_1_2", 9).Return(false, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms/chat_1_2/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	messages.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetRoomHistoryRejectsBadCursor(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	rooms.On("IsMember", mock.Anything, "chat_1_2", 1).Return(true, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/rooms/chat_1_2/messages?before=yesterday", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRoomPropagatesTooFewMembers(t *testing.T) {
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupRoomRouter(t, 1, rooms, messages)

	rooms.On("GetOrCreateGroupRoom", mock.Anything, []int{1, 2, 2}, "team").
		Return(models.Room{}, repositories.ErrTooFewMembers).Once()

	w := postJSON(router, "/rooms", gin.H{"member_ids": []int{2, 2}, "name": "team"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
