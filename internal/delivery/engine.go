package delivery

import (
	"context"
	"fmt"
	"log"

	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/repositories"
)

// Engine decides, for every new or replayed message, who must receive it now,
// who must receive it later, and how status transitions are computed and
// broadcast. The message store stays the single source of truth for status;
// the engine never caches it.
type Engine struct {
	rooms    repositories.RoomRepository
	messages repositories.MessageRepository
	registry presence.Registry
}

// NewEngine constructs the engine.
func NewEngine(rooms repositories.RoomRepository, messages repositories.MessageRepository, registry presence.Registry) *Engine {
	return &Engine{rooms: rooms, messages: messages, registry: registry}
}

// Send appends the message and fans it out to every online room member. Each
// online recipient gets the frame with a delivered status plus a delivered
// receipt; offline members are left for their next backlog flush. The sender
// always receives its own message back as the authoritative echo carrying the
// server-assigned id, timestamp, and resulting aggregate status.
//
// A recipient dropping between the online check and the push is fine: the
// push fails, no receipt is recorded, and the message stays in that user's
// backlog.
func (e *Engine) Send(ctx context.Context, senderID int, roomID string, content string) (models.Message, error) {
	msg, err := e.messages.Append(ctx, roomID, senderID, content)
	if err != nil {
		return models.Message{}, err
	}
	observability.IncMessageSent()

	recipients, err := e.rooms.MembersOfRoom(ctx, roomID, senderID)
	if err != nil {
		// The message is stored; recipients will pick it up from backlog.
		return msg, fmt.Errorf("resolve recipients: %w", err)
	}

	for _, userID := range recipients {
		handle, ok := e.registry.HandleOf(userID)
		if !ok {
			continue
		}

		frame := models.NewChatMessageFrame(msg)
		frame.Status = models.StatusDelivered
		if err := handle.Push(frame); err != nil {
			log.Printf("live delivery to user %d failed: %v", userID, err)
			continue
		}

		promoted, err := e.messages.AddDelivered(ctx, msg.ID, userID)
		if err != nil {
			log.Printf("record delivery for user %d failed: %v", userID, err)
			continue
		}
		if promoted {
			msg.Status = models.StatusDelivered
		}
		observability.IncDelivery("live")
	}

	if sender, ok := e.registry.HandleOf(senderID); ok {
		if err := sender.Push(models.NewChatMessageFrame(msg)); err != nil {
			log.Printf("echo to sender %d failed: %v", senderID, err)
		}
	}

	return msg, nil
}

// FlushBacklog replays every message the user missed while offline over the
// newly opened handle, in room then timestamp order, recording delivered
// receipts as it goes. Callers must run this before handing the session's
// reader any live traffic. Senders that are online get a message_delivered
// ack whenever a replay promotes the aggregate status.
func (e *Engine) FlushBacklog(ctx context.Context, userID int, handle presence.Handle) error {
	backlog, err := e.messages.Backlog(ctx, userID)
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}

	for _, msg := range backlog {
		frame := models.NewChatMessageFrame(msg)
		frame.Status = models.StatusDelivered
		if err := handle.Push(frame); err != nil {
			return fmt.Errorf("replay message %s: %w", msg.ID, err)
		}

		promoted, err := e.messages.AddDelivered(ctx, msg.ID, userID)
		if err != nil {
			return fmt.Errorf("record replayed delivery %s: %w", msg.ID, err)
		}
		observability.IncDelivery("backlog")

		if promoted {
			e.notifySender(msg, models.StatusDelivered)
		}
	}
	return nil
}

// MarkSeen records seen receipts for the listed messages on behalf of the
// acting user and acknowledges each message's sender over its live handle.
// The whole batch is validated before the first receipt is written, so one
// bad id rejects the operation without committing anything. Acks for offline
// senders are dropped; seen state itself is durable either way.
func (e *Engine) MarkSeen(ctx context.Context, userID int, messageIDs []string) error {
	targets := make([]models.Message, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		msg, err := e.messages.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}

		member, err := e.rooms.IsMember(ctx, msg.RoomID, userID)
		if err != nil {
			return err
		}
		if !member {
			return repositories.ErrNotRoomMember
		}
		if msg.SenderID == userID {
			continue
		}
		targets = append(targets, msg)
	}

	type ackKey struct {
		senderID int
		roomID   string
	}
	acks := make(map[ackKey][]string)

	var storeErr error
	for _, msg := range targets {
		newlySeen, _, err := e.messages.MarkSeen(ctx, msg.ID, userID)
		if err != nil {
			// Receipts committed before the failure are durable; their
			// senders still get acked below.
			storeErr = err
			break
		}
		if newlySeen {
			key := ackKey{senderID: msg.SenderID, roomID: msg.RoomID}
			acks[key] = append(acks[key], msg.ID)
		}
	}

	for key, ids := range acks {
		handle, ok := e.registry.HandleOf(key.senderID)
		if !ok {
			continue
		}
		notice := models.MarkSeenNotice{
			Type:       models.FrameMarkSeen,
			MessageIDs: ids,
			RoomID:     key.roomID,
			SeenBy:     userID,
		}
		if err := handle.Push(notice); err != nil {
			log.Printf("seen ack to sender %d dropped: %v", key.senderID, err)
			continue
		}
		observability.IncSeenNotice()
	}
	return storeErr
}

// Disconnect drops the user's presence entry. Message state is untouched;
// pending delivered promotions are recomputed lazily at the next reconnect.
func (e *Engine) Disconnect(userID int, handle presence.Handle) {
	e.registry.Unregister(userID, handle)
}

func (e *Engine) notifySender(msg models.Message, status models.MessageStatus) {
	handle, ok := e.registry.HandleOf(msg.SenderID)
	if !ok {
		return
	}
	frame := models.MessageDeliveredFrame{
		Type:      models.FrameMessageDelivered,
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Status:    status,
	}
	if err := handle.Push(frame); err != nil {
		log.Printf("delivered ack to sender %d dropped: %v", msg.SenderID, err)
	}
}
