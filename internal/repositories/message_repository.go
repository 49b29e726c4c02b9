package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the message store: the single source of truth for
// message bodies, timestamps, aggregate status, and per-recipient receipts.
type MessageRepository interface {
	Append(ctx context.Context, roomID string, senderID int, content string) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	// SetStatus moves the aggregate status forward. Backward transitions
	// no-op and report changed=false.
	SetStatus(ctx context.Context, messageID string, status models.MessageStatus) (bool, error)
	// AddDelivered records a delivered receipt for the user and reports
	// whether the aggregate status was promoted to delivered as a result.
	AddDelivered(ctx context.Context, messageID string, userID int) (bool, error)
	// MarkSeen records a seen receipt (which implies delivered) and reports
	// whether the receipt is new and whether the aggregate status was
	// promoted to seen.
	MarkSeen(ctx context.Context, messageID string, userID int) (newlySeen bool, promoted bool, err error)
	// Backlog returns messages in the user's rooms that the user has not yet
	// received, in room then timestamp order.
	Backlog(ctx context.Context, userID int) ([]models.Message, error)
	// History pages through a room newest-first; before=nil starts at the top.
	History(ctx context.Context, roomID string, before *time.Time, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed implementation.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, room_id, sender_id, content, status, created_at`

// Append stores a message with a server timestamp that never moves earlier
// than the room's newest message. The INSERT only fires when the sender is a
// member, so a non-member append fails without touching the room.
func (r *MessageRepo) Append(ctx context.Context, roomID string, senderID int, content string) (models.Message, error) {
	var msg models.Message
	query := `INSERT INTO messages (id, room_id, sender_id, content, status, created_at)
        SELECT $1, $2, $3, $4, 'sent',
            GREATEST(NOW(), COALESCE((SELECT MAX(created_at) FROM messages WHERE room_id=$2), NOW()))
        WHERE EXISTS (SELECT 1 FROM room_members WHERE room_id=$2 AND user_id=$3)
        RETURNING ` + messageColumns
	err := r.db.QueryRowxContext(ctx, query, uuid.NewString(), roomID, senderID, content).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotRoomMember
	}
	return msg, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// SetStatus applies a forward-only status transition.
func (r *MessageRepo) SetStatus(ctx context.Context, messageID string, status models.MessageStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status=$2 WHERE id=$1
        AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END)
          < (CASE $2 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END)`, messageID, string(status))
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// AddDelivered upserts a delivered receipt and promotes the message to
// delivered once every non-sender member holds one. Receipt and promotion
// commit together, so no partial transition is ever visible.
func (r *MessageRepo) AddDelivered(ctx context.Context, messageID string, userID int) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id, delivered_at) VALUES ($1, $2, NOW())
        ON CONFLICT (message_id, user_id) DO UPDATE SET delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at)`,
		messageID, userID); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE messages m SET status='delivered' WHERE m.id=$1 AND m.status='sent'
        AND NOT EXISTS (
            SELECT 1 FROM room_members rm
            WHERE rm.room_id = m.room_id AND rm.user_id <> m.sender_id
            AND NOT EXISTS (
                SELECT 1 FROM message_receipts rc
                WHERE rc.message_id = m.id AND rc.user_id = rm.user_id AND rc.delivered_at IS NOT NULL
            )
        )`, messageID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkSeen upserts a seen receipt (filling the delivered side as well, since
// a rendered message was necessarily received) and promotes the message to
// seen once every non-sender member has seen it.
func (r *MessageRepo) MarkSeen(ctx context.Context, messageID string, userID int) (bool, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var alreadySeen bool
	if err = tx.GetContext(ctx, &alreadySeen, `SELECT EXISTS(
        SELECT 1 FROM message_receipts WHERE message_id=$1 AND user_id=$2 AND seen_at IS NOT NULL)`,
		messageID, userID); err != nil {
		return false, false, err
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id, delivered_at, seen_at) VALUES ($1, $2, NOW(), NOW())
        ON CONFLICT (message_id, user_id) DO UPDATE SET
            delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at),
            seen_at = COALESCE(message_receipts.seen_at, EXCLUDED.seen_at)`, messageID, userID); err != nil {
		return false, false, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE messages m SET status='seen' WHERE m.id=$1 AND m.status<>'seen'
        AND NOT EXISTS (
            SELECT 1 FROM room_members rm
            WHERE rm.room_id = m.room_id AND rm.user_id <> m.sender_id
            AND NOT EXISTS (
                SELECT 1 FROM message_receipts rc
                WHERE rc.message_id = m.id AND rc.user_id = rm.user_id AND rc.seen_at IS NOT NULL
            )
        )`, messageID)
	if err != nil {
		return false, false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}

	if err = tx.Commit(); err != nil {
		return false, false, err
	}
	return !alreadySeen, count > 0, nil
}

// Backlog returns every message in the user's rooms that the user did not
// send and has not yet received, ordered so a reconnect replays each room's
// history in append order.
func (r *MessageRepo) Backlog(ctx context.Context, userID int) ([]models.Message, error) {
	var msgs []models.Message
	query := `SELECT m.id, m.room_id, m.sender_id, m.content, m.status, m.created_at FROM messages m
        INNER JOIN room_members rm ON rm.room_id = m.room_id AND rm.user_id=$1
        WHERE m.sender_id <> $1
        AND NOT EXISTS (
            SELECT 1 FROM message_receipts rc
            WHERE rc.message_id = m.id AND rc.user_id = $1 AND rc.delivered_at IS NOT NULL
        )
        ORDER BY m.room_id ASC, m.created_at ASC, m.id ASC`
	err := r.db.SelectContext(ctx, &msgs, query, userID)
	return msgs, err
}

// History pages a room newest-first.
func (r *MessageRepo) History(ctx context.Context, roomID string, before *time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE room_id=$1 AND ($2::timestamptz IS NULL OR created_at < $2)
        ORDER BY created_at DESC, id DESC LIMIT $3`
	err := r.db.SelectContext(ctx, &msgs, query, roomID, before, limit)
	return msgs, err
}
