package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"quizbot/internal/apperr"
	"quizbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testJob(id, destination string, fireAt time.Time) Job {
	return Job{
		ID:          id,
		Destination: destination,
		Kind:        "quiz",
		Question:    "capital of France?",
		Options:     []string{"Paris", "Lyon"},
		CorrectIdx:  0,
		FireAt:      fireAt,
	}
}

func TestJobRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fireAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.CreateJob(ctx, testJob("j1", "100", fireAt)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j, err := st.JobByID(ctx, "j1")
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("expected pending, got %s", j.Status)
	}
	if !j.FireAt.Equal(fireAt) {
		t.Fatalf("fire_at mismatch: got %v want %v", j.FireAt, fireAt)
	}
	if len(j.Options) != 2 || j.Options[0] != "Paris" {
		t.Fatalf("options mismatch: %v", j.Options)
	}

	if _, err := st.JobByID(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusCompareAndSet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, testJob("j1", "100", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := st.SetJobStatus(ctx, "j1", StatusPending, StatusSent)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}

	// Terminal statuses are immutable: a late cancel must not overwrite "sent".
	ok, err = st.SetJobStatus(ctx, "j1", StatusPending, StatusCancelled)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatalf("cancel overwrote a terminal status")
	}

	j, err := st.JobByID(ctx, "j1")
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if j.Status != StatusSent {
		t.Fatalf("expected sent, got %s", j.Status)
	}
}

func TestSetJobFireAtOnlyPending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, testJob("j1", "100", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	newTime := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
	ok, err := st.SetJobFireAt(ctx, "j1", newTime)
	if err != nil || !ok {
		t.Fatalf("SetJobFireAt pending: ok=%v err=%v", ok, err)
	}

	if _, err := st.SetJobStatus(ctx, "j1", StatusPending, StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ok, err = st.SetJobFireAt(ctx, "j1", newTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("SetJobFireAt cancelled: %v", err)
	}
	if ok {
		t.Fatalf("fire_at updated on a non-pending job")
	}
}

func TestCancelPendingByDestination(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	fireAt := time.Now().Add(time.Hour)

	for _, j := range []Job{
		testJob("a1", "100", fireAt),
		testJob("a2", "100", fireAt.Add(time.Minute)),
		testJob("b1", "200", fireAt),
	} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.ID, err)
		}
	}

	ids, err := st.CancelPending(ctx, []string{"100"})
	if err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 cancelled ids, got %v", ids)
	}

	remaining, err := st.PendingJobs(ctx, "")
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "b1" {
		t.Fatalf("unexpected remaining jobs: %+v", remaining)
	}
}

func TestFailPendingBefore(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.CreateJob(ctx, testJob("past", "100", now.Add(-time.Hour))); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateJob(ctx, testJob("future", "100", now.Add(time.Hour))); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	n, err := st.FailPendingBefore(ctx, now)
	if err != nil {
		t.Fatalf("FailPendingBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 missed job, got %d", n)
	}

	pending, err := st.PendingJobs(ctx, "")
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "future" {
		t.Fatalf("unexpected pending jobs: %+v", pending)
	}
}

func TestOutcomesAndScorers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	outcomes := []Outcome{
		{UserID: 1, FirstName: "Ada", Destination: "100", CampaignID: "p1", Points: 20, CreatedAt: now},
		{UserID: 1, FirstName: "Ada", Destination: "100", CampaignID: "p2", Points: 20, CreatedAt: now},
		{UserID: 2, FirstName: "Bob", Destination: "100", CampaignID: "p1", Points: 20, CreatedAt: now},
		{UserID: 3, FirstName: "Eve", Destination: "200", CampaignID: "p3", Points: 20, CreatedAt: now},
	}
	for _, o := range outcomes {
		if err := st.AddOutcome(ctx, o); err != nil {
			t.Fatalf("AddOutcome: %v", err)
		}
	}

	dests, err := st.OutcomeDestinations(ctx)
	if err != nil {
		t.Fatalf("OutcomeDestinations: %v", err)
	}
	if len(dests) != 2 {
		t.Fatalf("expected 2 destinations, got %v", dests)
	}

	scores, err := st.TopScorers(ctx, "100", now.Add(-time.Minute), now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("TopScorers: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("expected 2 scorers, got %+v", scores)
	}
	if scores[0].UserID != 1 || scores[0].Points != 40 {
		t.Fatalf("unexpected top scorer: %+v", scores[0])
	}
}

func TestCountPendingInRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	if err := st.CreateJob(ctx, testJob("in", "100", base.Add(time.Hour))); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateJob(ctx, testJob("out", "100", base.Add(48*time.Hour))); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	n, err := st.CountPendingInRange(ctx, "100", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CountPendingInRange: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending in range, got %d", n)
	}
}
