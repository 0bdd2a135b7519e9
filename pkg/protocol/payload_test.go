package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRoomOverride(t *testing.T) {
	tests := []struct {
		payload string
		room    string
		text    string
		ok      bool
	}{
		{"hello", "", "hello", false},
		{"dev|hello", "dev", "hello", true},
		{" dev | hello there ", "dev", "hello there", true},
		{"dev|a|b", "dev", "a|b", true},
		{"|text", "", "text", true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			room, text, ok := SplitRoomOverride(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.room, room)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestParseMultiRoom(t *testing.T) {
	rooms, text, err := ParseMultiRoom("dev,ops, random hello everyone")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "ops"}, rooms)
	assert.Equal(t, "random hello everyone", text)

	rooms, text, err = ParseMultiRoom("dev,,dev,ops hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "ops"}, rooms)
	assert.Equal(t, "hi", text)

	_, _, err = ParseMultiRoom("dev,ops")
	assert.ErrorIs(t, err, ErrMissingText)

	_, _, err = ParseMultiRoom(", hi")
	assert.ErrorIs(t, err, ErrNoRooms)
}

func TestParsePrivate(t *testing.T) {
	recipient, text, err := ParsePrivate("alice hi there")
	require.NoError(t, err)
	assert.Equal(t, "alice", recipient)
	assert.Equal(t, "hi there", text)

	recipient, text, err = ParsePrivate("alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", recipient)
	assert.Equal(t, "", text)

	_, _, err = ParsePrivate("alice")
	assert.ErrorIs(t, err, ErrMissingText)

	_, _, err = ParsePrivate(" hi")
	assert.ErrorIs(t, err, ErrMissingText)
}
