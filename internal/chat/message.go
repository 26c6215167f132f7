// Package chat relays live chat messages between viewers of the same stream
// over WebSocket.
package chat

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Message types.
const (
	TypeJoin    = "join"
	TypePost    = "post"
	TypeMessage = "message"
)

const (
	maxNameLength  = 64
	maxTextLength  = 2000
	maxImageLength = 2048
	maxRoomLength  = 128
)

// Inbound is a frame sent by a client.
type Inbound struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`
	Image  string `json:"image,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Outbound is a chat message delivered to every member of a room.
type Outbound struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Text  string `json:"text"`
	Image string `json:"image"`
}

// clean trims s, converts it to NFC so visually identical names and
// messages compare equal, and caps it at limit runes.
func clean(s string, limit int) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
