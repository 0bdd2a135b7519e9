package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database closed")
	// ErrSessionNotFound indicates no session row has the given id.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRecord is one row of connection history
type SessionRecord struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Transport      string     `json:"transport"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// DB wraps the SQLite session audit log
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	WriteBuffer *WriteBuffer

	closeOnce sync.Once
	closed    chan struct{}
}

// pragmas are applied to every connection pool
var pragmas = []struct {
	stmt string
	what string
}{
	// WAL allows multiple readers and one writer at the same time
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return conn, nil
}

// Open opens the audit log at path, running pending migrations, and starts
// the write buffer (100ms flush interval).
func Open(path string) (*DB, error) {
	return OpenWithInterval(path, 100*time.Millisecond)
}

// OpenWithInterval is Open with an explicit write buffer flush interval
func OpenWithInterval(path string, flushInterval time.Duration) (*DB, error) {
	conn, err := openPool(path, 8)
	if err != nil {
		return nil, err
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Run migrations before the write connection exists so the backup
	// copy is taken from a quiet file
	if err := runMigrations(conn, path); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetConnMaxLifetime(0) // Never expire

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		closed:    make(chan struct{}),
	}
	db.WriteBuffer = NewWriteBuffer(db, flushInterval)
	return db, nil
}

func (db *DB) isClosed() bool {
	select {
	case <-db.closed:
		return true
	default:
		return false
	}
}

// RecordConnect queues an insert for a newly registered session
func (db *DB) RecordConnect(rec SessionRecord) {
	if db.isClosed() {
		return
	}
	db.WriteBuffer.RecordConnect(rec)
}

// RecordDisconnect queues the close of a session row
func (db *DB) RecordDisconnect(id string, at time.Time, reason string) {
	if db.isClosed() {
		return
	}
	db.WriteBuffer.RecordDisconnect(id, at, reason)
}

// Flush writes all queued records now
func (db *DB) Flush() error {
	if db.isClosed() {
		return ErrClosed
	}
	return db.WriteBuffer.Flush()
}

// RecentSessions returns up to limit sessions, newest first. Queued writes
// are flushed first so callers see their own records.
func (db *DB) RecentSessions(limit int) ([]SessionRecord, error) {
	if err := db.Flush(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT id, username, transport, remote_addr, connected_at, disconnected_at, disconnect_reason
		FROM Session
		ORDER BY connected_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSession returns one session row
func (db *DB) GetSession(id string) (SessionRecord, error) {
	if err := db.Flush(); err != nil {
		return SessionRecord{}, err
	}

	row := db.conn.QueryRow(`
		SELECT id, username, transport, remote_addr, connected_at, disconnected_at, disconnect_reason
		FROM Session WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (SessionRecord, error) {
	var (
		rec            SessionRecord
		connectedAt    int64
		disconnectedAt sql.NullInt64
		reason         sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Username, &rec.Transport, &rec.RemoteAddr, &connectedAt, &disconnectedAt, &reason); err != nil {
		return SessionRecord{}, err
	}
	rec.ConnectedAt = time.UnixMilli(connectedAt)
	if disconnectedAt.Valid {
		t := time.UnixMilli(disconnectedAt.Int64)
		rec.DisconnectedAt = &t
	}
	rec.Reason = reason.String
	return rec, nil
}

// Close flushes pending writes and closes both connection pools
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.WriteBuffer.Close()
		close(db.closed)
		err = errors.Join(db.writeConn.Close(), db.conn.Close())
	})
	return err
}
