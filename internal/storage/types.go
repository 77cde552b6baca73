package storage

import (
	"time"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is a durable scheduled campaign. Rows are never deleted; terminal
// statuses (sent/failed/cancelled) are immutable, which is enforced by the
// compare-and-set status updates below.
type Job struct {
	ID          string
	Destination string
	Kind        string // "quiz" or "poll"
	Question    string
	Options     []string
	CorrectIdx  int
	FireAt      time.Time
	Status      Status
	CreatedAt   time.Time
}

// Outcome is one scored (quiz) or voted (poll) response. Uniqueness of
// (UserID, CampaignID) is enforced by the in-memory answered-users set,
// not by the store.
type Outcome struct {
	UserID      int64
	Username    string
	FirstName   string
	Destination string
	CampaignID  string
	OptionIdx   int
	Points      int
	CreatedAt   time.Time
}

// Score is an aggregated leaderboard row.
type Score struct {
	UserID    int64
	FirstName string
	Username  string
	Points    int
}
