package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messenger-service/internal/models"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotRoomMember = errors.New("user is not a room member")
	ErrTooFewMembers = errors.New("a room needs at least two members")
)

// RoomRepository is the membership index: it resolves which rooms a user
// belongs to and which users belong to a room, and creates rooms on first use.
type RoomRepository interface {
	GetOrCreateDirectRoom(ctx context.Context, userA int, userB int) (models.Room, error)
	GetOrCreateGroupRoom(ctx context.Context, memberIDs []int, name string) (models.Room, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	RoomsOfUser(ctx context.Context, userID int) ([]models.Room, error)
	// MembersOfRoom lists member ids; pass excludeUserID 0 to include everyone.
	MembersOfRoom(ctx context.Context, roomID string, excludeUserID int) ([]int, error)
	IsMember(ctx context.Context, roomID string, userID int) (bool, error)
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// DirectRoomID derives the deterministic id for a two-user room. Both orders
// of the pair map to the same id, which is what makes creation idempotent.
func DirectRoomID(userA, userB int) string {
	ids := []int{userA, userB}
	sort.Ints(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return "chat_" + strings.Join(parts, "_")
}

// GetOrCreateDirectRoom returns the room for a user pair, creating it on
// first use. ON CONFLICT DO NOTHING keeps concurrent callers from racing a
// duplicate into existence: the loser simply reads the winner's row.
func (r *RoomRepo) GetOrCreateDirectRoom(ctx context.Context, userA int, userB int) (models.Room, error) {
	if userA == userB {
		return models.Room{}, ErrTooFewMembers
	}
	roomID := DirectRoomID(userA, userB)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO rooms (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, roomID); err != nil {
		return models.Room{}, err
	}
	for _, id := range []int{userA, userB} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roomID, id); err != nil {
			return models.Room{}, err
		}
	}

	var room models.Room
	if err = tx.GetContext(ctx, &room, `SELECT id, name, created_at FROM rooms WHERE id=$1`, roomID); err != nil {
		return models.Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// GetOrCreateGroupRoom finds the room whose member set is exactly equal to
// the requested set, or creates a fresh one. Supersets and subsets do not
// match.
func (r *RoomRepo) GetOrCreateGroupRoom(ctx context.Context, memberIDs []int, name string) (models.Room, error) {
	ids := dedupeSorted(memberIDs)
	if len(ids) < 2 {
		return models.Room{}, ErrTooFewMembers
	}

	var room models.Room
	query := `SELECT r.id, r.name, r.created_at FROM rooms r
        WHERE (SELECT COUNT(*) FROM room_members rm WHERE rm.room_id = r.id) = $1
        AND (SELECT COUNT(*) FROM room_members rm WHERE rm.room_id = r.id AND rm.user_id = ANY($2)) = $1
        LIMIT 1`
	err := r.db.GetContext(ctx, &room, query, len(ids), pq.Array(ids))
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	roomID := uuid.NewString()
	if err = tx.QueryRowxContext(ctx, `INSERT INTO rooms (id, name) VALUES ($1, $2) RETURNING id, name, created_at`, roomID, name).
		Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
		return models.Room{}, err
	}
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`, roomID, id); err != nil {
			return models.Room{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// GetRoom fetches a room by id.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT id, name, created_at FROM rooms WHERE id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// RoomsOfUser returns the rooms that include the user.
func (r *RoomRepo) RoomsOfUser(ctx context.Context, userID int) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.SelectContext(ctx, &rooms, `SELECT r.id, r.name, r.created_at FROM rooms r
        INNER JOIN room_members rm ON rm.room_id = r.id
        WHERE rm.user_id=$1 ORDER BY r.created_at DESC`, userID)
	return rooms, err
}

// MembersOfRoom lists the user ids in a room.
func (r *RoomRepo) MembersOfRoom(ctx context.Context, roomID string, excludeUserID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM room_members WHERE room_id=$1 AND user_id<>$2 ORDER BY user_id`, roomID, excludeUserID)
	return ids, err
}

// IsMember checks membership.
func (r *RoomRepo) IsMember(ctx context.Context, roomID string, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`, roomID, userID)
	return exists, err
}

func dedupeSorted(ids []int) []int {
	set := map[int]struct{}{}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
