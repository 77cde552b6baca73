package storage

import (
	"context"
	"time"
)

// Store is the persistence API consumed by the scheduling engine and the
// session tracker. All writes are at-least-once safe: status updates are
// compare-and-set by job id, outcome inserts are deduplicated upstream.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	JobByID(ctx context.Context, id string) (Job, error)

	// SetJobStatus transitions id from `from` to `to` and reports whether the
	// row changed. A false return means the job was already in another
	// (usually terminal) state.
	SetJobStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// SetJobFireAt replaces fire_at for a still-pending job.
	SetJobFireAt(ctx context.Context, id string, fireAt time.Time) (bool, error)

	// CancelPending marks every pending job for the given destinations as
	// cancelled and returns the affected job ids.
	CancelPending(ctx context.Context, destinations []string) ([]string, error)

	// PendingJobs returns pending jobs ordered by fire time. Empty
	// destination means all destinations.
	PendingJobs(ctx context.Context, destination string) ([]Job, error)

	// FailPendingBefore marks pending jobs with fire_at <= t as failed
	// (missed window on restart) and returns how many rows changed.
	FailPendingBefore(ctx context.Context, t time.Time) (int64, error)

	CountPendingInRange(ctx context.Context, destination string, from, to time.Time) (int, error)
	StatusCounts(ctx context.Context) (map[Status]int, error)

	AddOutcome(ctx context.Context, o Outcome) error

	// OutcomeDestinations lists distinct destinations with outcome activity,
	// used for leaderboard fan-out.
	OutcomeDestinations(ctx context.Context) ([]string, error)
	TopScorers(ctx context.Context, destination string, from, to time.Time, limit int) ([]Score, error)

	Close() error
}
