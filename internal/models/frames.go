package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Frame type tags on the wire.
const (
	FrameSendMessage      = "send_message"
	FrameMarkSeen         = "mark_seen"
	FrameChatMessage      = "chat_message"
	FrameMessageDelivered = "message_delivered"
	FrameError            = "error"
)

// ErrMalformedFrame signals a structurally broken inbound frame. The
// connection is closed when this is returned; unknown frame types are not an
// error and decode to nil.
var ErrMalformedFrame = errors.New("malformed frame")

// InboundFrame is the closed set of operations a client may submit.
type InboundFrame interface {
	isInbound()
}

// SendMessageFrame asks the engine to append and fan out a message.
type SendMessageFrame struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// MarkSeenFrame acknowledges that the client rendered the listed messages.
type MarkSeenFrame struct {
	MessageIDs []string `json:"message_ids"`
}

func (SendMessageFrame) isInbound() {}
func (MarkSeenFrame) isInbound()    {}

// DecodeInboundFrame parses one text frame. Unknown type tags decode to
// (nil, nil) so newer clients do not break older servers.
func DecodeInboundFrame(data []byte) (InboundFrame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return nil, ErrMalformedFrame
	}

	switch head.Type {
	case FrameSendMessage:
		var frame SendMessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, ErrMalformedFrame
		}
		return frame, nil
	case FrameMarkSeen:
		var frame MarkSeenFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, ErrMalformedFrame
		}
		return frame, nil
	default:
		return nil, nil
	}
}

// OutboundFrame is the closed set of pushes the engine emits to sessions.
type OutboundFrame interface {
	isOutbound()
}

// ChatMessageFrame carries a message to a recipient, or back to the sender as
// the authoritative echo with the server-assigned id and timestamp.
type ChatMessageFrame struct {
	Type      string        `json:"type"`
	MessageID string        `json:"message_id"`
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"`
	RoomID    string        `json:"room_id"`
	SenderID  int           `json:"sender_id"`
	Status    MessageStatus `json:"status"`
}

// MarkSeenNotice tells a sender which of its messages another user has seen.
type MarkSeenNotice struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
	RoomID     string   `json:"room_id"`
	SeenBy     int      `json:"seen_by"`
}

// MessageDeliveredFrame tells a sender that a message's aggregate status
// moved forward.
type MessageDeliveredFrame struct {
	Type      string        `json:"type"`
	MessageID string        `json:"message_id"`
	RoomID    string        `json:"room_id"`
	Status    MessageStatus `json:"status"`
}

// ErrorFrame reports a rejected operation to the session that submitted it.
// Rejections are never broadcast and do not close the connection.
type ErrorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (ChatMessageFrame) isOutbound()      {}
func (MarkSeenNotice) isOutbound()        {}
func (MessageDeliveredFrame) isOutbound() {}
func (ErrorFrame) isOutbound()            {}

// NewChatMessageFrame builds the wire form of a stored message.
func NewChatMessageFrame(msg Message) ChatMessageFrame {
	return ChatMessageFrame{
		Type:      FrameChatMessage,
		MessageID: msg.ID,
		Message:   msg.Content,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Status:    msg.Status,
	}
}
