// Package protocol defines the JSON frames exchanged with chat clients.
package protocol

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

// Frame types.
const (
	TypeJoinRoom   = "join_room"
	TypeLeaveRoom  = "leave_room"
	TypeChat       = "chat"
	TypeJoinedRoom = "joined_room"
	TypeLeftRoom   = "left_room"
	TypeError      = "error"
)

// MaxChatLength is the longest chat body accepted, in characters.
const MaxChatLength = 2000

// Error messages sent to clients.
const (
	ErrNotInRoom  = "You are not in this room"
	ErrNotMember  = "You are not a member of this room"
	ErrJoinFailed = "Could not join room"
)

// ErrMalformed is returned by Parse for frames that must be dropped.
var ErrMalformed = errors.New("malformed frame")

// Inbound is a parsed client frame. Message is only set for chat frames.
type Inbound struct {
	Type    string
	RoomID  chat.RoomID
	Message string
}

type inboundWire struct {
	Type    string       `json:"type"`
	RoomID  *chat.RoomID `json:"roomId"`
	Message *string      `json:"message"`
}

// Parse decodes a client frame. Unknown types, missing or non-positive room
// ids, and chat frames without a usable body all yield ErrMalformed.
func Parse(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, ErrMalformed
	}
	if w.RoomID == nil || !w.RoomID.Valid() {
		return Inbound{}, ErrMalformed
	}

	in := Inbound{Type: w.Type, RoomID: *w.RoomID}
	switch w.Type {
	case TypeJoinRoom, TypeLeaveRoom:
		return in, nil
	case TypeChat:
		if w.Message == nil || *w.Message == "" || utf8.RuneCountInString(*w.Message) > MaxChatLength {
			return Inbound{}, ErrMalformed
		}
		in.Message = *w.Message
		return in, nil
	default:
		return Inbound{}, ErrMalformed
	}
}

type roomFrame struct {
	Type   string      `json:"type"`
	RoomID chat.RoomID `json:"roomId"`
}

type chatFrame struct {
	Type    string        `json:"type"`
	RoomID  chat.RoomID   `json:"roomId"`
	From    chat.Identity `json:"from"`
	Message string        `json:"message"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// JoinedRoom encodes {type:"joined_room", roomId}.
func JoinedRoom(room chat.RoomID) []byte {
	return mustMarshal(roomFrame{Type: TypeJoinedRoom, RoomID: room})
}

// LeftRoom encodes {type:"left_room", roomId}.
func LeftRoom(room chat.RoomID) []byte {
	return mustMarshal(roomFrame{Type: TypeLeftRoom, RoomID: room})
}

// Chat encodes {type:"chat", roomId, from, message}.
func Chat(room chat.RoomID, from chat.Identity, message string) []byte {
	return mustMarshal(chatFrame{Type: TypeChat, RoomID: room, From: from, Message: message})
}

// Error encodes {type:"error", message}.
func Error(message string) []byte {
	return mustMarshal(errorFrame{Type: TypeError, Message: message})
}

// The frame structs hold only strings and integers, so Marshal cannot fail.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
