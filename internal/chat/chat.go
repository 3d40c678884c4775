// Package chat holds the domain types shared by the relay, the presence
// tables and the persistence layer.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Identity is an authenticated user id taken from a verified credential.
type Identity int64

func (id Identity) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// RoomID identifies a room. It encodes as a JSON number and decodes from
// either a number or a quoted integer, since clients are inconsistent.
type RoomID int64

func (r RoomID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// UnmarshalJSON accepts 7 and "7". Anything else, including null, is an error.
func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid room id %q", data)
	}
	*r = RoomID(v)
	return nil
}

// Valid reports whether r can name a persisted room.
func (r RoomID) Valid() bool {
	return r > 0
}

// Message is a persisted chat message.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    RoomID    `json:"room_id"`
	UserID    Identity  `json:"user_id"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           Identity  `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Photo        string    `json:"photo,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Room is a durable chat room.
type Room struct {
	ID        RoomID    `json:"id"`
	Slug      string    `json:"slug"`
	AdminID   Identity  `json:"adminId"`
	CreatedAt time.Time `json:"createdAt"`
}
