package database

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// WriteBuffer batches audit log writes so connection churn costs one
// transaction per flush interval instead of one per event.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu          sync.Mutex
	connects    []SessionRecord
	disconnects map[string]pendingDisconnect // session id -> close info

	flushMu sync.Mutex // serializes flushes from the loop and Flush

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pendingDisconnect struct {
	at     int64
	reason string
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		connects:      make([]SessionRecord, 0, 50),
		disconnects:   make(map[string]pendingDisconnect),
		shutdown:      make(chan struct{}),
	}

	// Start flush loop
	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// RecordConnect queues a session insert
func (wb *WriteBuffer) RecordConnect(rec SessionRecord) {
	wb.mu.Lock()
	wb.connects = append(wb.connects, rec)
	wb.mu.Unlock()
}

// RecordDisconnect queues a session close. The latest call for an id wins.
func (wb *WriteBuffer) RecordDisconnect(id string, at time.Time, reason string) {
	wb.mu.Lock()
	wb.disconnects[id] = pendingDisconnect{at: at.UnixMilli(), reason: reason}
	wb.mu.Unlock()
}

// Pending returns the number of queued writes
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.connects) + len(wb.disconnects)
}

// Flush writes everything queued so far and returns the transaction error, if any
func (wb *WriteBuffer) Flush() error {
	return wb.flush()
}

// Close stops the flush loop after a final flush. Safe to call repeatedly.
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wb.flush(); err != nil {
				log.Printf("WriteBuffer: flush failed: %v", err)
			}
		case <-wb.shutdown:
			// Final flush on shutdown
			if err := wb.flush(); err != nil {
				log.Printf("WriteBuffer: final flush failed: %v", err)
			}
			return
		}
	}
}

// requeue puts a failed batch back in front of anything queued since
func (wb *WriteBuffer) requeue(connects []SessionRecord, disconnects map[string]pendingDisconnect) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.connects = append(connects, wb.connects...)
	for id, d := range disconnects {
		if _, newer := wb.disconnects[id]; !newer {
			wb.disconnects[id] = d
		}
	}
}

// flush writes all buffered records in a single transaction. Inserts run
// before updates so a session that connects and disconnects within one
// interval ends up closed.
func (wb *WriteBuffer) flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	start := time.Now()

	wb.mu.Lock()
	connects := wb.connects
	disconnects := wb.disconnects
	wb.connects = make([]SessionRecord, 0, 50)
	wb.disconnects = make(map[string]pendingDisconnect)
	wb.mu.Unlock()

	// Nothing to do
	if len(connects) == 0 && len(disconnects) == 0 {
		return nil
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		wb.requeue(connects, disconnects)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(connects) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO Session (id, username, transport, remote_addr, connected_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			wb.requeue(connects, disconnects)
			return fmt.Errorf("failed to prepare session insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range connects {
			if _, err := stmt.Exec(rec.ID, rec.Username, rec.Transport, rec.RemoteAddr, rec.ConnectedAt.UnixMilli()); err != nil {
				log.Printf("WriteBuffer: failed to insert session %s: %v", rec.ID, err)
			}
		}
	}

	if len(disconnects) > 0 {
		stmt, err := tx.Prepare(`UPDATE Session SET disconnected_at = ?, disconnect_reason = ? WHERE id = ?`)
		if err != nil {
			wb.requeue(connects, disconnects)
			return fmt.Errorf("failed to prepare session update: %w", err)
		}
		defer stmt.Close()

		for id, d := range disconnects {
			if _, err := stmt.Exec(d.at, d.reason, id); err != nil {
				log.Printf("WriteBuffer: failed to close session %s: %v", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		wb.requeue(connects, disconnects)
		return fmt.Errorf("failed to commit: %w", err)
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		log.Printf("WriteBuffer: slow flush of %d records took %v", len(connects)+len(disconnects), elapsed)
	}
	return nil
}
