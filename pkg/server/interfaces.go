package server

import (
	"time"

	"github.com/aeolun/roomchat/pkg/database"
)

// SessionStore records connection history. *database.DB implements it.
type SessionStore interface {
	RecordConnect(rec database.SessionRecord)
	RecordDisconnect(id string, at time.Time, reason string)
	RecentSessions(limit int) ([]database.SessionRecord, error)
	Close() error
}

var _ SessionStore = (*database.DB)(nil)
