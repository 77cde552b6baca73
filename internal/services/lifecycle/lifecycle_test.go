package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quizbot/internal/storage"
	"quizbot/internal/transport"
	"quizbot/pkg/logx"
)

type fakeAdapter struct {
	mu        sync.Mutex
	texts     []string
	deleted   []int
	nextMsgID int
	deleteErr error
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Answer) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendCampaign(context.Context, string, transport.CampaignKind, string, []string, int) (transport.SentCampaign, error) {
	return transport.SentCampaign{}, errors.New("not used")
}

func (f *fakeAdapter) SendText(_ context.Context, _ string, text string, _ *transport.Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.nextMsgID++
	return f.nextMsgID, nil
}

func (f *fakeAdapter) SendImage(context.Context, string, []byte, string) (int, error) {
	return 0, errors.New("not used")
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, _ string, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAdapter) sentTexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func (f *fakeAdapter) deletedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deleted...)
}

type fakeSessions struct {
	mu      sync.Mutex
	expired []string
}

func (f *fakeSessions) Expire(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
}

func (f *fakeSessions) expiredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expired)
}

type fakeStore struct {
	storage.Store
	pending int
}

func (f *fakeStore) CountPendingInRange(context.Context, string, time.Time, time.Time) (int, error) {
	return f.pending, nil
}

func shortConfig() Config {
	return Config{
		ReminderDelay: 20 * time.Millisecond,
		DeleteDelay:   50 * time.Millisecond,
		ReminderTTL:   20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReminderSentThenDeleted(t *testing.T) {
	ad := &fakeAdapter{}
	m := New(shortConfig(), ad, &fakeStore{pending: 1}, &fakeSessions{}, time.UTC, nil, logx.Nop())
	defer m.Shutdown()

	m.Track(Tracked{CampaignID: "c1", Destination: "100", MessageID: 7})

	waitFor(t, func() bool { return ad.sentTexts() == 1 }, "reminder send")
	// Both the reminder message and the campaign message get deleted.
	waitFor(t, func() bool { return len(ad.deletedIDs()) == 2 }, "deletions")

	ids := ad.deletedIDs()
	var sawCampaign, sawReminder bool
	for _, id := range ids {
		if id == 7 {
			sawCampaign = true
		}
		if id == 1 {
			sawReminder = true
		}
	}
	if !sawCampaign || !sawReminder {
		t.Fatalf("unexpected deleted message ids: %v", ids)
	}
}

func TestDeletionExpiresSession(t *testing.T) {
	ad := &fakeAdapter{}
	ss := &fakeSessions{}
	m := New(shortConfig(), ad, &fakeStore{pending: 1}, ss, time.UTC, nil, logx.Nop())
	defer m.Shutdown()

	m.Track(Tracked{CampaignID: "c1", Destination: "100", MessageID: 7})

	waitFor(t, func() bool { return ss.expiredCount() == 1 }, "session expiry")
	if ss.expired[0] != "c1" {
		t.Fatalf("expired wrong campaign: %v", ss.expired)
	}
	waitFor(t, func() bool { return m.Tracking() == 0 }, "timer map cleanup")
}

func TestDayCompleteFiresWhenNoPendingLeft(t *testing.T) {
	var (
		mu    sync.Mutex
		dests []string
	)
	onDay := func(_ context.Context, d string) {
		mu.Lock()
		dests = append(dests, d)
		mu.Unlock()
	}

	m := New(shortConfig(), &fakeAdapter{}, &fakeStore{pending: 0}, &fakeSessions{}, time.UTC, onDay, logx.Nop())
	defer m.Shutdown()
	m.Track(Tracked{CampaignID: "c1", Destination: "100", MessageID: 7})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dests) == 1
	}, "day-complete callback")
	if dests[0] != "100" {
		t.Fatalf("day-complete for wrong destination: %v", dests)
	}
}

func TestDayCompleteSkippedWhilePending(t *testing.T) {
	called := make(chan string, 1)
	onDay := func(_ context.Context, d string) { called <- d }

	ss := &fakeSessions{}
	m := New(shortConfig(), &fakeAdapter{}, &fakeStore{pending: 3}, ss, time.UTC, onDay, logx.Nop())
	defer m.Shutdown()
	m.Track(Tracked{CampaignID: "c1", Destination: "100", MessageID: 7})

	waitFor(t, func() bool { return ss.expiredCount() == 1 }, "deletion pass")
	select {
	case d := <-called:
		t.Fatalf("day-complete fired for %s with pending jobs left", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeleteFailureStillExpiresSession(t *testing.T) {
	ad := &fakeAdapter{deleteErr: &transport.Error{Code: 400, Description: "message to delete not found"}}
	ss := &fakeSessions{}
	m := New(shortConfig(), ad, &fakeStore{pending: 1}, ss, time.UTC, nil, logx.Nop())
	defer m.Shutdown()

	m.Track(Tracked{CampaignID: "c1", Destination: "100", MessageID: 7})
	waitFor(t, func() bool { return ss.expiredCount() == 1 }, "session expiry despite delete failure")
}

func TestShutdownCancelsTimers(t *testing.T) {
	ad := &fakeAdapter{}
	ss := &fakeSessions{}
	m := New(shortConfig(), ad, &fakeStore{pending: 1}, ss, time.UTC, nil, logx.Nop())

	m.Track(Tracked{CampaignID: "c1", Destination: "100", MessageID: 7})
	m.Shutdown()

	time.Sleep(100 * time.Millisecond)
	if ad.sentTexts() != 0 || len(ad.deletedIDs()) != 0 || ss.expiredCount() != 0 {
		t.Fatalf("actions ran after shutdown: texts=%d deletes=%d expiries=%d",
			ad.sentTexts(), len(ad.deletedIDs()), ss.expiredCount())
	}
	if m.Tracking() != 0 {
		t.Fatalf("timers left after shutdown: %d", m.Tracking())
	}

	// Track after shutdown is a no-op.
	m.Track(Tracked{CampaignID: "c2", Destination: "100", MessageID: 8})
	if m.Tracking() != 0 {
		t.Fatalf("Track armed timers after shutdown")
	}
}
