package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"quizbot/internal/apperr"
	"quizbot/internal/services/session"
	"quizbot/internal/transport"
	"quizbot/pkg/logx"
)

type fakeAdapter struct {
	mu        sync.Mutex
	texts     int
	images    int
	campaigns int
	failDest  map[string]error
	nextID    int
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Answer) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }
func (f *fakeAdapter) DeleteMessage(context.Context, string, int) error    { return nil }

func (f *fakeAdapter) SendText(_ context.Context, dest string, _ string, _ *transport.Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDest[dest]; err != nil {
		return 0, err
	}
	f.texts++
	return f.texts, nil
}

func (f *fakeAdapter) SendImage(_ context.Context, dest string, _ []byte, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDest[dest]; err != nil {
		return 0, err
	}
	f.images++
	return f.images, nil
}

func (f *fakeAdapter) SendCampaign(_ context.Context, dest string, _ transport.CampaignKind, _ string, _ []string, _ int) (transport.SentCampaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDest[dest]; err != nil {
		return transport.SentCampaign{}, err
	}
	f.campaigns++
	f.nextID++
	return transport.SentCampaign{CampaignID: fmt.Sprintf("poll-%d", f.nextID), MessageID: f.nextID}, nil
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts + f.images + f.campaigns
}

type fakeSessions struct {
	mu         sync.Mutex
	registered []session.Campaign
}

func (f *fakeSessions) Register(c session.Campaign) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, c)
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered)
}

func fastConfig() Config {
	return Config{MessageDelay: time.Millisecond, ImageDelay: time.Millisecond}
}

func destinations(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%d", 100+i)
	}
	return out
}

func TestBulkMessageTooManyDestinations(t *testing.T) {
	ad := &fakeAdapter{}
	d := New(fastConfig(), ad, &fakeSessions{}, logx.Nop())

	_, err := d.SendBulkMessage(context.Background(), destinations(51), "hi", nil)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ad.calls() != 0 {
		t.Fatalf("transport was called %d times before validation failure", ad.calls())
	}
}

func TestBulkMessageEmptyInputs(t *testing.T) {
	ad := &fakeAdapter{}
	d := New(fastConfig(), ad, &fakeSessions{}, logx.Nop())

	if _, err := d.SendBulkMessage(context.Background(), nil, "hi", nil); !apperr.IsValidation(err) {
		t.Fatalf("empty destinations: %v", err)
	}
	if _, err := d.SendBulkMessage(context.Background(), destinations(1), "", nil); !apperr.IsValidation(err) {
		t.Fatalf("empty text: %v", err)
	}
	if ad.calls() != 0 {
		t.Fatalf("transport called despite validation failures")
	}
}

func TestBulkMessagePartialFailure(t *testing.T) {
	ad := &fakeAdapter{failDest: map[string]error{
		"101": &transport.Error{Code: 403, Description: "bot was blocked by the user"},
	}}
	d := New(fastConfig(), ad, &fakeSessions{}, logx.Nop())

	res, err := d.SendBulkMessage(context.Background(), destinations(5), "hi", nil)
	if err != nil {
		t.Fatalf("SendBulkMessage: %v", err)
	}
	if res.Attempted != 5 || res.Succeeded != 4 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FailedChats[0].Destination != "101" {
		t.Fatalf("unexpected failed chat: %+v", res.FailedChats)
	}
	if res.FailedChats[0].Reason != "bot was blocked by the chat" {
		t.Fatalf("unexpected reason: %q", res.FailedChats[0].Reason)
	}
}

func TestBulkQuizOptionValidation(t *testing.T) {
	ad := &fakeAdapter{}
	d := New(fastConfig(), ad, &fakeSessions{}, logx.Nop())
	ctx := context.Background()

	cases := []struct {
		name    string
		options []string
		correct int
	}{
		{"too few options", []string{"a"}, 0},
		{"too many options", destinations(11), 0},
		{"correct index out of range", []string{"a", "b"}, 2},
		{"negative correct index", []string{"a", "b"}, -1},
	}
	for _, tc := range cases {
		if _, err := d.SendBulkQuiz(ctx, destinations(2), "q?", tc.options, tc.correct); !apperr.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	if ad.calls() != 0 {
		t.Fatalf("transport called despite invalid quizzes")
	}
}

func TestBulkQuizRegistersSessions(t *testing.T) {
	ad := &fakeAdapter{}
	ss := &fakeSessions{}
	d := New(fastConfig(), ad, ss, logx.Nop())

	res, err := d.SendBulkQuiz(context.Background(), destinations(3), "q?", []string{"a", "b", "c"}, 1)
	if err != nil {
		t.Fatalf("SendBulkQuiz: %v", err)
	}
	if res.Succeeded != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ss.count() != 3 {
		t.Fatalf("expected 3 registered campaigns, got %d", ss.count())
	}
	for _, c := range ss.registered {
		if c.Kind != transport.KindQuiz || c.CorrectIdx != 1 || c.CampaignID == "" {
			t.Fatalf("bad registration: %+v", c)
		}
	}
}

func TestBulkPollFailedSendNotRegistered(t *testing.T) {
	ad := &fakeAdapter{failDest: map[string]error{
		"100": &transport.Error{Code: 400, Description: "chat not found"},
	}}
	ss := &fakeSessions{}
	d := New(fastConfig(), ad, ss, logx.Nop())

	res, err := d.SendBulkPoll(context.Background(), destinations(2), "q?", []string{"a", "b"})
	if err != nil {
		t.Fatalf("SendBulkPoll: %v", err)
	}
	if res.Failed != 1 || ss.count() != 1 {
		t.Fatalf("res=%+v registered=%d", res, ss.count())
	}
}

func TestBulkImage(t *testing.T) {
	ad := &fakeAdapter{}
	d := New(fastConfig(), ad, &fakeSessions{}, logx.Nop())

	if _, err := d.SendBulkImage(context.Background(), destinations(1), nil, "cap"); !apperr.IsValidation(err) {
		t.Fatalf("empty image: %v", err)
	}

	res, err := d.SendBulkImage(context.Background(), destinations(10), []byte{0x89, 0x50}, "cap")
	if err != nil {
		t.Fatalf("SendBulkImage: %v", err)
	}
	if res.Succeeded != 10 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
