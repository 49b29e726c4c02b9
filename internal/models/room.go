package models

import "time"

// Room is a shared message stream between two or more users. Direct rooms
// carry a deterministic id derived from the sorted member ids; group rooms
// get an assigned id and an optional display name.
type Room struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RoomSummary is the API-friendly view of a room for a user.
type RoomSummary struct {
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name,omitempty"`
	MemberIDs []int     `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}
