package protocol

import "fmt"

// Basic operations (0x01 - 0x0F)
const (
	OpHello   uint32 = 0x01
	OpJoin    uint32 = 0x02
	OpMessage uint32 = 0x03
)

// Room management (0x10 - 0x1F)
const (
	OpCreateRoom uint32 = 0x10
	OpListRooms  uint32 = 0x11
	OpListUsers  uint32 = 0x12
	OpLeaveRoom  uint32 = 0x13
)

// Connection management (0x20 - 0x2F)
const (
	OpClientDisconnect uint32 = 0x20
	OpServerDisconnect uint32 = 0x21
)

// Advanced features (0x30 - 0x3F)
const (
	OpMultiRoomMessage uint32 = 0x30
	OpPrivateMessage   uint32 = 0x31
	OpSecureMessage    uint32 = 0x32
	OpFileTransfer     uint32 = 0x33
)

// OpError is the server error reply. Its payload is a human readable message.
const OpError uint32 = 0xFF

// Error reason codes (0xE0 - 0xFF). They share the error range of the opcode
// space but are never sent as opcodes; the server replies with OpError and
// uses the code for logging and metrics.
const (
	ErrCodeUnknownCommand    uint32 = 0xE0
	ErrCodeUsernameTaken     uint32 = 0xE1
	ErrCodeRoomNotFound      uint32 = 0xE2
	ErrCodeRoomAlreadyExists uint32 = 0xE3
	ErrCodeNotInRoom         uint32 = 0xE4
	ErrCodeUserNotFound      uint32 = 0xE5
	ErrCodePayloadTooLarge   uint32 = 0xE6
	ErrCodeServerFull        uint32 = 0xE7
	ErrCodePermissionDenied  uint32 = 0xE8
	ErrCodeUnknown           uint32 = 0xFF
)

var opcodeNames = map[uint32]string{
	OpHello:            "HELLO",
	OpJoin:             "JOIN",
	OpMessage:          "MESSAGE",
	OpCreateRoom:       "CREATE_ROOM",
	OpListRooms:        "LIST_ROOMS",
	OpListUsers:        "LIST_USERS",
	OpLeaveRoom:        "LEAVE_ROOM",
	OpClientDisconnect: "CLIENT_DISCONNECT",
	OpServerDisconnect: "SERVER_DISCONNECT",
	OpMultiRoomMessage: "MULTI_ROOM_MSG",
	OpPrivateMessage:   "PRIVATE_MESSAGE",
	OpSecureMessage:    "SECURE_MESSAGE",
	OpFileTransfer:     "FILE_TRANSFER",
	OpError:            "ERROR",
}

var errCodeNames = map[uint32]string{
	ErrCodeUnknownCommand:    "unknown_command",
	ErrCodeUsernameTaken:     "username_taken",
	ErrCodeRoomNotFound:      "room_not_found",
	ErrCodeRoomAlreadyExists: "room_already_exists",
	ErrCodeNotInRoom:         "not_in_room",
	ErrCodeUserNotFound:      "user_not_found",
	ErrCodePayloadTooLarge:   "payload_too_large",
	ErrCodeServerFull:        "server_full",
	ErrCodePermissionDenied:  "permission_denied",
	ErrCodeUnknown:           "unknown",
}

// OpcodeName returns the wire name of an opcode, or a hex form for unknown values.
func OpcodeName(op uint32) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", op)
}

// KnownOpcode reports whether op is part of the wire contract.
func KnownOpcode(op uint32) bool {
	_, ok := opcodeNames[op]
	return ok
}

// ErrCodeName returns a stable label for an error reason code.
func ErrCodeName(code uint32) string {
	if name, ok := errCodeNames[code]; ok {
		return name
	}
	return "unknown"
}
