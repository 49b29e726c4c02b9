package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/delivery"
	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/presence"
)

type wsTestEnv struct {
	rooms    *mocks.RoomRepositoryMock
	messages *mocks.MessageRepositoryMock
	resolver *mocks.TokenResolverMock
	registry *presence.MemoryRegistry
	server   *httptest.Server
}

func newWSTestEnv(t *testing.T) *wsTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &wsTestEnv{
		rooms:    new(mocks.RoomRepositoryMock),
		messages: new(mocks.MessageRepositoryMock),
		resolver: new(mocks.TokenResolverMock),
		registry: presence.NewMemoryRegistry(),
	}

	engine := delivery.NewEngine(env.rooms, env.messages, env.registry)
	handler := NewHandler(engine, env.registry, env.rooms, env.resolver)

	router := gin.New()
	router.GET("/ws/chat", handler.Handle)
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (env *wsTestEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/chat?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

type wireFrame struct {
	Type       string   `json:"type"`
	MessageID  string   `json:"message_id"`
	Message    string   `json:"message"`
	RoomID     string   `json:"room_id"`
	Status     string   `json:"status"`
	Code       string   `json:"code"`
	MessageIDs []string `json:"message_ids"`
}

func readWireFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHandleClosesOnAuthFailure(t *testing.T) {
	env := newWSTestEnv(t)
	env.resolver.On("Resolve", mock.Anything, "bad-token").
		Return(0, errors.New("invalid token")).Once()

	conn := env.dial(t, "bad-token")

	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy-violation close, got: %v", err)
}

func TestHandleClosesOnMalformedFrame(t *testing.T) {
	env := newWSTestEnv(t)
	env.resolver.On("Resolve", mock.Anything, "token-2").Return(2, nil).Once()
	env.rooms.On("RoomsOfUser", mock.Anything, 2).Return([]models.Room(nil), nil).Once()
	env.messages.On("Backlog", mock.Anything, 2).Return([]models.Message(nil), nil).Once()

	conn := env.dial(t, "token-2")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData),
		"expected invalid-payload close, got: %v", err)
}

func TestHandleFlushesBacklogBeforeLiveTraffic(t *testing.T) {
	env := newWSTestEnv(t)

	backlogged := models.Message{
		ID:        "m1",
		RoomID:    "chat_1_2",
		SenderID:  1,
		Content:   "while you were away",
		Status:    models.StatusSent,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	live := models.Message{
		ID:        "m2",
		RoomID:    "chat_1_2",
		SenderID:  2,
		Content:   "yo",
		Status:    models.StatusSent,
		CreatedAt: time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC),
	}

	env.resolver.On("Resolve", mock.Anything, "token-2").Return(2, nil).Once()
	env.rooms.On("RoomsOfUser", mock.Anything, 2).
		Return([]models.Room{{ID: "chat_1_2"}}, nil).Once()
	env.messages.On("Backlog", mock.Anything, 2).
		Return([]models.Message{backlogged}, nil).Once()
	env.messages.On("AddDelivered", mock.Anything, "m1", 2).Return(true, nil).Once()

	appendCtxErr := make(chan error, 1)
	env.messages.On("Append", mock.Anything, "chat_1_2", 2, "yo").
		Run(func(args mock.Arguments) {
			appendCtxErr <- args.Get(0).(context.Context).Err()
		}).
		Return(live, nil).Once()
	env.rooms.On("MembersOfRoom", mock.Anything, "chat_1_2", 2).
		Return([]int{1}, nil).Once()

	conn := env.dial(t, "token-2")

	first := readWireFrame(t, conn)
	assert.Equal(t, models.FrameChatMessage, first.Type)
	assert.Equal(t, "m1", first.MessageID)
	assert.Equal(t, string(models.StatusDelivered), first.Status)

	payload := `{"type":"send_message","room_id":"chat_1_2","message":"yo"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	second := readWireFrame(t, conn)
	assert.Equal(t, models.FrameChatMessage, second.Type)
	assert.Equal(t, "m2", second.MessageID)

	// The store must see a live context for the whole session, not one that
	// died when the handshake finished.
	select {
	case err := <-appendCtxErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("append was never reached")
	}
	env.messages.AssertExpectations(t)
}

func TestHandleRejectsSendOutsideRoomSnapshot(t *testing.T) {
	env := newWSTestEnv(t)
	env.resolver.On("Resolve", mock.Anything, "token-2").Return(2, nil).Once()
	env.rooms.On("RoomsOfUser", mock.Anything, 2).
		Return([]models.Room{{ID: "chat_1_2"}}, nil).Once()
	env.messages.On("Backlog", mock.Anything, 2).Return([]models.Message(nil), nil).Once()

	conn := env.dial(t, "token-2")

	payload := `{"type":"send_message","room_id":"room_x","message":"yo"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	frame := readWireFrame(t, conn)
	assert.Equal(t, models.FrameError, frame.Type)
	assert.Equal(t, "membership_error", frame.Code)
	env.messages.AssertNotCalled(t, "Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
