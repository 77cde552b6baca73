// Package session tracks currently-open interactive campaigns and
// deduplicates user answers to them.
//
// State here is process-local: durable job and outcome records are enough to
// reconstruct correctness after a restart, while losing the answered-users
// set for a still-open campaign only risks a replayed answer.
package session

import (
	"context"
	"sync"
	"time"

	"quizbot/internal/storage"
	"quizbot/internal/transport"
	"quizbot/pkg/logx"
)

type Config struct {
	TTL    time.Duration // auto-expiry for open campaigns
	Points int           // award per correct quiz answer
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Points <= 0 {
		c.Points = 20
	}
	return c
}

// Campaign is one open quiz or poll awaiting answers.
type Campaign struct {
	CampaignID  string
	Destination string
	Kind        transport.CampaignKind
	CorrectIdx  int // quiz only
	MessageID   int
}

// Result reports how an answer was handled.
type Result struct {
	// Matched is false when no open campaign has this id; the answer may
	// belong to something else entirely, so this is not an error.
	Matched         bool
	AlreadyAnswered bool
	Correct         bool
}

type active struct {
	mu sync.Mutex // serializes answer processing per campaign

	Campaign
	answered map[int64]struct{}
	expire   *time.Timer
}

type Tracker struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	active map[string]*active
}

func New(cfg Config, store storage.Store, log logx.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		store:  store,
		log:    log,
		active: map[string]*active{},
	}
}

// Register adds an open campaign and arms its TTL expiry. Re-registering the
// same campaign id replaces the previous entry.
func (t *Tracker) Register(c Campaign) {
	a := &active{Campaign: c, answered: map[int64]struct{}{}}
	a.expire = time.AfterFunc(t.cfg.TTL, func() { t.Expire(c.CampaignID) })

	t.mu.Lock()
	if prev, ok := t.active[c.CampaignID]; ok && prev.expire != nil {
		prev.expire.Stop()
	}
	t.active[c.CampaignID] = a
	t.mu.Unlock()

	t.log.Debug("campaign registered",
		logx.String("campaign", c.CampaignID),
		logx.String("destination", c.Destination),
		logx.String("kind", string(c.Kind)))
}

// Expire drops an open campaign. Answers arriving afterwards for this id
// report Matched=false.
func (t *Tracker) Expire(campaignID string) {
	t.mu.Lock()
	a, ok := t.active[campaignID]
	if ok {
		delete(t.active, campaignID)
	}
	t.mu.Unlock()

	if ok {
		if a.expire != nil {
			a.expire.Stop()
		}
		t.log.Debug("campaign expired", logx.String("campaign", campaignID))
	}
}

// RecordAnswer processes one user response. The answered-set insertion and
// the correctness decision happen under the campaign's own mutex, so two
// concurrent first-time answers from the same user cannot both score.
//
// Outcome persistence is best-effort: a store failure is logged but the
// in-memory dedup still stands, preventing double scoring on redelivery.
func (t *Tracker) RecordAnswer(ctx context.Context, ans transport.Answer) Result {
	t.mu.Lock()
	a, ok := t.active[ans.CampaignID]
	t.mu.Unlock()
	if !ok {
		return Result{}
	}

	// Vote retraction: Telegram reports it as an answer without options.
	if ans.OptionIdx < 0 {
		return Result{Matched: true}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.answered[ans.UserID]; dup {
		return Result{Matched: true, AlreadyAnswered: true}
	}
	a.answered[ans.UserID] = struct{}{}

	correct := a.Kind != transport.KindQuiz || ans.OptionIdx == a.CorrectIdx
	res := Result{Matched: true, Correct: correct}

	switch {
	case a.Kind == transport.KindQuiz && correct:
		t.persistOutcome(ctx, a, ans, t.cfg.Points)
	case a.Kind == transport.KindPoll:
		// Every first vote is recorded, with no point award.
		t.persistOutcome(ctx, a, ans, 0)
	}
	return res
}

func (t *Tracker) persistOutcome(ctx context.Context, a *active, ans transport.Answer, points int) {
	o := storage.Outcome{
		UserID:      ans.UserID,
		Username:    ans.Username,
		FirstName:   ans.FirstName,
		Destination: a.Destination,
		CampaignID:  a.CampaignID,
		OptionIdx:   ans.OptionIdx,
		Points:      points,
		CreatedAt:   time.Now(),
	}
	if err := t.store.AddOutcome(ctx, o); err != nil {
		t.log.Error("failed to persist outcome",
			logx.String("campaign", a.CampaignID),
			logx.Int64("user", ans.UserID),
			logx.Err(err))
		return
	}
	t.log.Info("outcome recorded",
		logx.String("campaign", a.CampaignID),
		logx.String("destination", a.Destination),
		logx.Int64("user", ans.UserID),
		logx.Int("points", points))
}

// ActiveCount reports how many campaigns are currently open.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Shutdown stops all TTL timers and drops every open campaign.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	for id, a := range t.active {
		if a.expire != nil {
			a.expire.Stop()
		}
		delete(t.active, id)
	}
	t.mu.Unlock()
}
