package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"messenger-service/internal/delivery"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

// State is the lifecycle of one connection. A session only ever moves
// forward; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxFrameSize  = 64 * 1024
	sendQueueSize = 256
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("session send queue full")
)

// Session owns exactly one live connection. The identity and cached room set
// are fixed once the session activates; the only later mutation is the
// terminal close. It implements presence.Handle so the delivery engine can
// reach it.
type Session struct {
	conn   *websocket.Conn
	engine *delivery.Engine

	userID int
	rooms  []string // snapshot at activation, stale afterwards
	info   ConnInfo

	send      chan models.OutboundFrame
	done      chan struct{}
	state     int32
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, engine *delivery.Engine, info ConnInfo) *Session {
	return &Session{
		conn:   conn,
		engine: engine,
		info:   info,
		send:   make(chan models.OutboundFrame, sendQueueSize),
		done:   make(chan struct{}),
		state:  int32(StateConnecting),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

// Push enqueues an outbound frame for the writer. It never blocks: a closed
// session or a full queue reports an error and the caller treats the
// recipient as unreachable.
func (s *Session) Push(frame models.OutboundFrame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// close shuts the session down exactly once: the presence entry goes away,
// the writer stops, and the peer gets the close code. Safe to call from any
// goroutine and against duplicate close signals.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.userID != 0 {
			s.engine.Disconnect(s.userID, s)
		}
		close(s.done)

		if s.conn != nil {
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(code, reason)
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Printf("close write for conn %s: %v", s.info.ConnID, err)
			}
			s.conn.Close()
		}
	})
}

// writePump serializes all writes to the connection, including pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close(websocket.CloseAbnormalClosure, "write failure")
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				log.Printf("websocket write error for conn %s: %v", s.info.ConnID, err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump consumes inbound frames and dispatches them to the engine until
// the connection drops. Returns the close reason for the caller's
// disconnect event.
func (s *Session) readPump(ctx context.Context) string {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(websocket.CloseNormalClosure, "")
			return err.Error()
		}

		frame, err := models.DecodeInboundFrame(data)
		if err != nil {
			s.close(websocket.CloseInvalidFramePayloadData, "malformed frame")
			return err.Error()
		}
		if frame == nil {
			// Unknown type: ignored for forward compatibility.
			continue
		}

		switch f := frame.(type) {
		case models.SendMessageFrame:
			if !s.inRoom(f.RoomID) {
				s.reportError(repositories.ErrNotRoomMember)
				continue
			}
			if _, err := s.engine.Send(ctx, s.userID, f.RoomID, f.Message); err != nil {
				s.reportError(err)
			}
		case models.MarkSeenFrame:
			if err := s.engine.MarkSeen(ctx, s.userID, f.MessageIDs); err != nil {
				s.reportError(err)
			}
		}
	}
}

// inRoom checks the room set snapshotted at activation. Rooms joined after
// connect become sendable on the next reconnect, not retroactively.
func (s *Session) inRoom(roomID string) bool {
	for _, id := range s.rooms {
		if id == roomID {
			return true
		}
	}
	return false
}

// reportError surfaces a rejected operation to this session only.
func (s *Session) reportError(err error) {
	code := "store_error"
	switch {
	case errors.Is(err, repositories.ErrNotRoomMember):
		code = "membership_error"
	case errors.Is(err, repositories.ErrRoomNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		code = "not_found"
	}
	if pushErr := s.Push(models.ErrorFrame{Type: models.FrameError, Code: code, Detail: err.Error()}); pushErr != nil {
		log.Printf("error report to conn %s dropped: %v", s.info.ConnID, pushErr)
	}
}
