package database

import (
	"time"
)

// AuditRecord is one dispatched command persisted from the audit topic.
type AuditRecord struct {
	ID           int64
	EventID      string
	ConnectionID int
	Command      string
	Raw          string
	ReceivedAt   time.Time
	InsertedAt   time.Time
}

// CommandCount is an aggregate of audit records per command name.
type CommandCount struct {
	Command string
	Count   int64
}
