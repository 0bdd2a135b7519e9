package protocol

import (
	"errors"
	"strings"
)

const (
	// RoomOverrideDelimiter separates an explicit room from the text of a MESSAGE
	RoomOverrideDelimiter = "|"

	// RoomListSeparator separates room names in a MULTI_ROOM_MSG
	RoomListSeparator = ","
)

var (
	ErrMissingText = errors.New("payload has no text part")
	ErrNoRooms     = errors.New("payload names no rooms")
)

// SplitRoomOverride splits a MESSAGE payload of the form "room|text".
// Both parts are trimmed. ok is false when the payload carries no override.
func SplitRoomOverride(payload string) (room, text string, ok bool) {
	room, text, ok = strings.Cut(payload, RoomOverrideDelimiter)
	if !ok {
		return "", payload, false
	}
	return strings.TrimSpace(room), strings.TrimSpace(text), true
}

// ParseMultiRoom parses "<room1,room2,...> <text>". Names are trimmed, empty
// names dropped and duplicates collapsed, keeping first-seen order.
func ParseMultiRoom(payload string) (rooms []string, text string, err error) {
	list, text, ok := strings.Cut(payload, " ")
	if !ok {
		return nil, "", ErrMissingText
	}

	seen := make(map[string]struct{})
	for _, name := range strings.Split(list, RoomListSeparator) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		rooms = append(rooms, name)
	}
	if len(rooms) == 0 {
		return nil, "", ErrNoRooms
	}
	return rooms, text, nil
}

// ParsePrivate parses "<recipient> <text>"
func ParsePrivate(payload string) (recipient, text string, err error) {
	recipient, text, ok := strings.Cut(payload, " ")
	if !ok || recipient == "" {
		return "", "", ErrMissingText
	}
	return recipient, text, nil
}
