package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// AuthError rejects a handshake. The connection is closed after the reply.
type AuthError struct {
	Code    uint32
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s (%s)", e.Message, protocol.ErrCodeName(e.Code))
}

// RoutingError is reported to the requester only; the connection stays open.
type RoutingError struct {
	Code    uint32
	Message string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing: %s (%s)", e.Message, protocol.ErrCodeName(e.Code))
}

// DeliveryError records a failed send to one recipient. It is logged and
// counted, never reported to the sender.
type DeliveryError struct {
	Username string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Username, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

var (
	ErrSessionClosed = errors.New("session closed")
	ErrWriteTimeout  = errors.New("write timed out")
)

func errUsernameTaken() *AuthError {
	return &AuthError{Code: protocol.ErrCodeUsernameTaken, Message: "Username already taken"}
}

func errRoomNotFound(room string) *RoutingError {
	return &RoutingError{Code: protocol.ErrCodeRoomNotFound, Message: fmt.Sprintf("Room '%s' does not exist", room)}
}

func errRoomExists(room string) *RoutingError {
	return &RoutingError{Code: protocol.ErrCodeRoomAlreadyExists, Message: fmt.Sprintf("Room '%s' already exists!", room)}
}

func errNotInRoom() *RoutingError {
	return &RoutingError{Code: protocol.ErrCodeNotInRoom, Message: "You are not in this room"}
}

func errUserNotFound(username string) *RoutingError {
	return &RoutingError{Code: protocol.ErrCodeUserNotFound, Message: fmt.Sprintf("User %s not found", username)}
}

// errorCode extracts the reason code of an auth or routing error
func errorCode(err error) uint32 {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	var routeErr *RoutingError
	if errors.As(err, &routeErr) {
		return routeErr.Code
	}
	return protocol.ErrCodeUnknown
}
