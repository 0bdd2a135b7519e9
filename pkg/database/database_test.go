package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	// Long interval so tests control flushing explicitly
	db, err := OpenWithInterval(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(id, username string, at time.Time) SessionRecord {
	return SessionRecord{
		ID:          id,
		Username:    username,
		Transport:   "tcp",
		RemoteAddr:  "127.0.0.1:50000",
		ConnectedAt: at,
	}
}

func TestRecordConnectAndDisconnect(t *testing.T) {
	db := newTestDB(t)

	connected := time.UnixMilli(time.Now().UnixMilli())
	db.RecordConnect(testRecord("01HZX0000000000000000000A1", "alice", connected))

	rec, err := db.GetSession("01HZX0000000000000000000A1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Username != "alice" || rec.Transport != "tcp" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.ConnectedAt.Equal(connected) {
		t.Fatalf("expected connected_at %v, got %v", connected, rec.ConnectedAt)
	}
	if rec.DisconnectedAt != nil {
		t.Fatalf("expected open session, got disconnected_at %v", rec.DisconnectedAt)
	}

	disconnected := connected.Add(2 * time.Second)
	db.RecordDisconnect(rec.ID, disconnected, "client_disconnect")

	rec, err = db.GetSession(rec.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.DisconnectedAt == nil || !rec.DisconnectedAt.Equal(disconnected) {
		t.Fatalf("expected disconnected_at %v, got %v", disconnected, rec.DisconnectedAt)
	}
	if rec.Reason != "client_disconnect" {
		t.Fatalf("expected reason client_disconnect, got %q", rec.Reason)
	}
}

func TestConnectAndDisconnectInSameBatch(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	db.RecordConnect(testRecord("s1", "bob", now))
	db.RecordDisconnect("s1", now.Add(time.Millisecond), "io_closed")

	if got := db.WriteBuffer.Pending(); got != 2 {
		t.Fatalf("expected 2 pending writes, got %d", got)
	}

	rec, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.DisconnectedAt == nil {
		t.Fatal("expected the disconnect to apply after the insert")
	}
	if got := db.WriteBuffer.Pending(); got != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetSession("missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		db.RecordConnect(testRecord(fmt.Sprintf("s%d", i), fmt.Sprintf("user%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	recent, err := db.RecentSessions(3)
	if err != nil {
		t.Fatalf("RecentSessions failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(recent))
	}
	for i, want := range []string{"user4", "user3", "user2"} {
		if recent[i].Username != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, recent[i].Username)
		}
	}
}

func TestDuplicateConnectIsIgnored(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	db.RecordConnect(testRecord("dup", "carol", now))
	db.RecordConnect(testRecord("dup", "mallory", now))

	rec, err := db.GetSession("dup")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.Username != "carol" {
		t.Fatalf("expected first insert to win, got %s", rec.Username)
	}
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenWithInterval(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	db.RecordConnect(testRecord("pending", "dave", time.Now()))
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Second close is a no-op
	if err := db.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if err := db.Flush(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.GetSession("pending")
	if err != nil {
		t.Fatalf("expected record written by final flush: %v", err)
	}
	if rec.Username != "dave" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestConcurrentRecording(t *testing.T) {
	db := newTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%02d", i)
			db.RecordConnect(testRecord(id, id, time.Now()))
			db.RecordDisconnect(id, time.Now(), "io_closed")
		}(i)
	}
	wg.Wait()

	recent, err := db.RecentSessions(100)
	if err != nil {
		t.Fatalf("RecentSessions failed: %v", err)
	}
	if len(recent) != 20 {
		t.Fatalf("expected 20 sessions, got %d", len(recent))
	}
}
