package server

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// errClientDisconnect ends the read loop after a CLIENT_DISCONNECT
var errClientDisconnect = errors.New("client requested disconnect")

// handleMessage dispatches a frame from an ACTIVE session to its handler.
// Handlers return *RoutingError for anything the requester should hear
// about; the caller turns those into ERROR frames.
func (s *Server) handleMessage(sess *Session, msg protocol.Message) error {
	switch msg.Opcode {
	case protocol.OpHello:
		return &RoutingError{Code: protocol.ErrCodeUsernameTaken, Message: "Already registered as " + sess.Username()}
	case protocol.OpJoin:
		return s.handleJoin(sess, msg)
	case protocol.OpMessage:
		return s.handleChat(sess, msg)
	case protocol.OpCreateRoom:
		return s.handleCreateRoom(sess, msg)
	case protocol.OpListRooms:
		return s.handleListRooms(sess)
	case protocol.OpListUsers:
		return s.handleListUsers(sess, msg)
	case protocol.OpLeaveRoom:
		return s.handleLeaveRoom(sess, msg)
	case protocol.OpClientDisconnect:
		return errClientDisconnect
	case protocol.OpMultiRoomMessage:
		return s.handleMultiRoom(sess, msg)
	case protocol.OpPrivateMessage:
		return s.handlePrivate(sess, msg)
	case protocol.OpSecureMessage:
		s.delivery.BroadcastAll(protocol.NewMessage(protocol.OpSecureMessage,
			fmt.Sprintf("SECURE from %s: %s", sess.Username(), msg.Text())))
		return nil
	case protocol.OpFileTransfer:
		s.delivery.BroadcastAll(protocol.NewMessage(protocol.OpFileTransfer,
			fmt.Sprintf("%s is sending file: %s", sess.Username(), msg.Text())))
		return nil
	default:
		// SERVER_DISCONNECT and ERROR are server-to-client only
		return &RoutingError{Code: protocol.ErrCodeUnknownCommand, Message: "Unknown command"}
	}
}

// handleCreateRoom creates a room and announces it to everyone
func (s *Server) handleCreateRoom(sess *Session, msg protocol.Message) error {
	room := strings.TrimSpace(msg.Text())
	if err := s.registry.CreateRoom(room); err != nil {
		return err
	}
	s.metrics.RecordRooms(s.registry.RoomCount())
	log.Printf("Session %s: created room '%s'", sess.label(), room)

	s.delivery.BroadcastAll(protocol.NewMessage(protocol.OpCreateRoom,
		fmt.Sprintf("Room '%s' created successfully by %s", room, sess.Username())))
	return nil
}

// handleJoin adds the sender to a room and makes it their active room
func (s *Server) handleJoin(sess *Session, msg protocol.Message) error {
	room := strings.TrimSpace(msg.Text())
	result, err := s.registry.JoinRoom(sess.Username(), room)
	if err != nil {
		return err
	}

	if result.AlreadyMember {
		s.reply(sess, protocol.OpJoin, fmt.Sprintf("You are already in room '%s'", room))
		return nil
	}

	debugLog.Printf("Session %s: joined '%s' (left lobby: %v)", sess.label(), room, result.LeftLobby)
	s.delivery.BroadcastAll(protocol.NewMessage(protocol.OpJoin,
		fmt.Sprintf("%s joined room '%s'", sess.Username(), room)))
	return nil
}

// handleLeaveRoom removes the sender from a room
func (s *Server) handleLeaveRoom(sess *Session, msg protocol.Message) error {
	room := strings.TrimSpace(msg.Text())
	active, err := s.registry.LeaveRoom(sess.Username(), room)
	if err != nil {
		return err
	}

	debugLog.Printf("Session %s: left '%s', active room now '%s'", sess.label(), room, active)
	s.delivery.BroadcastAll(protocol.NewMessage(protocol.OpLeaveRoom,
		fmt.Sprintf("%s left room '%s'", sess.Username(), room)))
	return nil
}

// handleListRooms replies with every room in creation order
func (s *Server) handleListRooms(sess *Session) error {
	rooms := s.registry.ListRooms()
	text := "No active rooms."
	if len(rooms) > 0 {
		text = strings.Join(rooms, ", ")
	}
	s.reply(sess, protocol.OpListRooms, "Active rooms: "+text)
	return nil
}

// handleListUsers replies with the members of a room. An empty payload
// lists the sender's active room.
func (s *Server) handleListUsers(sess *Session, msg protocol.Message) error {
	room := strings.TrimSpace(msg.Text())
	if room == "" {
		room, _ = s.registry.ActiveRoom(sess.Username())
	}

	users, err := s.registry.ListUsers(room)
	if err != nil {
		return err
	}

	text := "No users in this room"
	if len(users) > 0 {
		text = strings.Join(users, ", ")
	}
	s.reply(sess, protocol.OpListUsers, fmt.Sprintf("Users in '%s': %s", room, text))
	return nil
}

// handleChat sends text to the "room|" override target, or to the sender's
// active room when there is none
func (s *Server) handleChat(sess *Session, msg protocol.Message) error {
	username := sess.Username()

	room, text, ok := protocol.SplitRoomOverride(msg.Text())
	if !ok || room == "" {
		room, _ = s.registry.ActiveRoom(username)
	}
	if !ok {
		text = msg.Text()
	}

	_, err := s.delivery.SendToRoom(room, text, username)
	return err
}

// handleMultiRoom sends one message to several rooms. Rooms that do not
// exist are skipped; membership of the sender is not required.
func (s *Server) handleMultiRoom(sess *Session, msg protocol.Message) error {
	rooms, text, err := protocol.ParseMultiRoom(msg.Text())
	if err != nil {
		return &RoutingError{Code: protocol.ErrCodeUnknownCommand, Message: "Usage: <room1,room2,...> <message>"}
	}

	username := sess.Username()
	sent := 0
	for _, room := range rooms {
		if _, err := s.delivery.SendToRoom(room, text, username); err != nil {
			debugLog.Printf("Session %s: multi-room skip '%s': %v", sess.label(), room, err)
			continue
		}
		sent++
	}
	debugLog.Printf("Session %s: multi-room message reached %d of %d rooms", sess.label(), sent, len(rooms))
	return nil
}

// handlePrivate sends text to one user. Only an unknown recipient is
// reported back; a failed write to a known recipient is not.
func (s *Server) handlePrivate(sess *Session, msg protocol.Message) error {
	recipient, text, err := protocol.ParsePrivate(msg.Text())
	if err != nil {
		return &RoutingError{Code: protocol.ErrCodeUnknownCommand, Message: "Usage: <username> <message>"}
	}

	err = s.delivery.SendToUser(recipient, protocol.NewMessage(protocol.OpPrivateMessage,
		fmt.Sprintf("PM from %s: %s", sess.Username(), text)))

	var derr *DeliveryError
	if errors.As(err, &derr) {
		return nil
	}
	return err
}

// reply sends a unicast response to the requester. Failures are logged by
// the delivery engine.
func (s *Server) reply(sess *Session, opcode uint32, text string) {
	_ = s.delivery.send(sess, protocol.NewMessage(opcode, text))
}

// replyError translates an error into an ERROR frame for the requester
func (s *Server) replyError(sess *Session, err error) {
	code := errorCode(err)

	var text string
	var authErr *AuthError
	var routeErr *RoutingError
	switch {
	case errors.As(err, &authErr):
		text = authErr.Message
	case errors.As(err, &routeErr):
		text = routeErr.Message
	default:
		errorLog.Printf("Session %s: unexpected handler error: %v", sess.label(), err)
		text = "Internal server error"
	}

	debugLog.Printf("Session %s: ERROR (%s) %s", sess.label(), protocol.ErrCodeName(code), text)
	s.metrics.RecordError(code)
	s.reply(sess, protocol.OpError, text)
}
