package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// Delivery fans messages out to sessions. Targets are snapshotted from the
// Registry under its read lock; the lock is released before any write, so
// a slow recipient never blocks registry mutations.
type Delivery struct {
	registry *Registry
	metrics  *Metrics
}

// NewDelivery creates a delivery engine over registry. metrics may be nil.
func NewDelivery(registry *Registry, metrics *Metrics) *Delivery {
	return &Delivery{registry: registry, metrics: metrics}
}

// Deliver sends msg to every live session among usernames and returns the
// number of successful sends. Unknown names are skipped.
func (d *Delivery) Deliver(usernames []string, msg protocol.Message) int {
	return d.fanout("direct", d.registry.Resolve(usernames), msg)
}

// BroadcastAll sends msg to every registered session
func (d *Delivery) BroadcastAll(msg protocol.Message) int {
	return d.fanout("all", d.registry.Sessions(), msg)
}

// SendToRoom sends "<room> | <sender>: <text>" to every member of room
func (d *Delivery) SendToRoom(room, text, sender string) (int, error) {
	targets, ok := d.registry.RoomSessions(room)
	if !ok {
		return 0, errRoomNotFound(room)
	}
	msg := protocol.NewMessage(protocol.OpMessage, FormatRoomMessage(room, sender, text))
	return d.fanout("room", targets, msg), nil
}

// SendToUser sends msg to a single user
func (d *Delivery) SendToUser(username string, msg protocol.Message) error {
	sess, ok := d.registry.Lookup(username)
	if !ok {
		return errUserNotFound(username)
	}
	return d.send(sess, msg)
}

// FormatRoomMessage renders a room chat line
func FormatRoomMessage(room, sender, text string) string {
	return fmt.Sprintf("%s | %s: %s", room, sender, text)
}

// fanout writes msg to every target concurrently and waits for all sends to
// finish or time out. Failures are logged and counted per recipient.
func (d *Delivery) fanout(kind string, targets []*Session, msg protocol.Message) int {
	if len(targets) == 0 {
		return 0
	}

	start := time.Now()
	var delivered int
	if len(targets) == 1 {
		if d.send(targets[0], msg) == nil {
			delivered = 1
		}
	} else {
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, sess := range targets {
			wg.Add(1)
			go func(sess *Session) {
				defer wg.Done()
				if d.send(sess, msg) == nil {
					mu.Lock()
					delivered++
					mu.Unlock()
				}
			}(sess)
		}
		wg.Wait()
	}

	d.metrics.RecordFanout(kind, len(targets), time.Since(start))
	return delivered
}

// send writes to one session, converting failure into a logged DeliveryError
func (d *Delivery) send(sess *Session, msg protocol.Message) error {
	if err := sess.Send(msg); err != nil {
		derr := &DeliveryError{Username: sess.Username(), Err: err}
		errorLog.Printf("Session %s: %v", sess.label(), derr)
		d.metrics.RecordDeliveryFailure(msg.Opcode)
		return derr
	}
	debugLog.Printf("Session %s → SEND: %s PayloadLen=%d", sess.label(), protocol.OpcodeName(msg.Opcode), len(msg.Payload))
	d.metrics.RecordMessageSent(msg.Opcode)
	return nil
}
