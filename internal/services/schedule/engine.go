// Package schedule owns the durable campaign schedule: one-shot timers over
// persisted jobs, with recovery on restart.
package schedule

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizbot/internal/apperr"
	"quizbot/internal/services/lifecycle"
	"quizbot/internal/services/session"
	"quizbot/internal/storage"
	"quizbot/internal/transport"
	"quizbot/pkg/logx"
)

const fireTimeout = 30 * time.Second

type Config struct {
	MaxDestinations int // default 50
	MaxCampaigns    int // default 30
	MinIntervalMin  int // default 1
	MaxIntervalMin  int // default 1440
	Workers         int // default 4
	QueueSize       int // default 64
	MinOptions      int // default 2
	MaxOptions      int // default 10
}

func (c Config) withDefaults() Config {
	if c.MaxDestinations <= 0 {
		c.MaxDestinations = 50
	}
	if c.MaxCampaigns <= 0 {
		c.MaxCampaigns = 30
	}
	if c.MinIntervalMin <= 0 {
		c.MinIntervalMin = 1
	}
	if c.MaxIntervalMin <= 0 {
		c.MaxIntervalMin = 1440
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MinOptions <= 0 {
		c.MinOptions = 2
	}
	if c.MaxOptions <= 0 {
		c.MaxOptions = 10
	}
	return c
}

// CampaignDef is one quiz or poll to schedule across destinations.
type CampaignDef struct {
	Kind       transport.CampaignKind
	Question   string
	Options    []string
	CorrectIdx int
}

// Sessions and Lifecycle are the post-send collaborators a successful fire
// hands the campaign to.
type Sessions interface {
	Register(c session.Campaign)
}

type Lifecycle interface {
	Track(t lifecycle.Tracked)
}

// Stats is a point-in-time snapshot for operators.
type Stats struct {
	ArmedTimers  int
	StatusCounts map[storage.Status]int
}

type Engine struct {
	cfg       Config
	store     storage.Store
	adapter   transport.Adapter
	sessions  Sessions
	lifecycle Lifecycle
	log       logx.Logger

	queue   chan string
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, sessions Sessions, lc Lifecycle, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		adapter:   adapter,
		sessions:  sessions,
		lifecycle: lc,
		log:       log,
		queue:     make(chan string, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		timers:    map[string]*time.Timer{},
	}
}

// Start spins up the fire workers and recovers the persisted schedule:
// pending jobs whose window already passed become failed (never fired late),
// future ones are re-armed as if freshly scheduled.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.started = true

	// Fires outlive the Start call; they stop via stopCh and runCtx.
	e.runCtx, e.cancel = context.WithCancel(context.Background())

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	missed, err := e.store.FailPendingBefore(ctx, time.Now())
	if err != nil {
		return err
	}
	if missed > 0 {
		e.log.Warn("missed jobs marked failed", logx.Int64("count", missed))
	}

	jobs, err := e.store.PendingJobs(ctx, "")
	if err != nil {
		return err
	}
	for _, j := range jobs {
		e.armTimer(j.ID, j.FireAt)
	}
	e.log.Info("schedule recovered",
		logx.Int("rearmed", len(jobs)),
		logx.Int64("missed", missed))
	return nil
}

// Stop cancels every armed timer and drains the workers.
func (e *Engine) Stop(ctx context.Context) {
	if !e.started {
		return
	}
	e.started = false
	close(e.stopCh)

	e.tmu.Lock()
	for id, tmr := range e.timers {
		tmr.Stop()
		delete(e.timers, id)
	}
	e.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	e.cancel()
	e.log.Info("engine stopped")
}

// ScheduleCampaigns persists and arms one job per (destination, campaign).
// The i-th campaign fires at startTime + i*interval for every destination.
// Existing pending jobs for the destinations are cancelled first so no
// destination carries overlapping schedules. Returns the created jobs.
func (e *Engine) ScheduleCampaigns(ctx context.Context, destinations []string, defs []CampaignDef, startTime time.Time, intervalMin int) ([]storage.Job, error) {
	if len(destinations) == 0 {
		return nil, apperr.Validationf("no destinations given")
	}
	if len(destinations) > e.cfg.MaxDestinations {
		return nil, apperr.Validationf("too many destinations: %d > %d", len(destinations), e.cfg.MaxDestinations)
	}
	if len(defs) == 0 {
		return nil, apperr.Validationf("no campaigns given")
	}
	if len(defs) > e.cfg.MaxCampaigns {
		return nil, apperr.Validationf("too many campaigns: %d > %d", len(defs), e.cfg.MaxCampaigns)
	}
	if intervalMin < e.cfg.MinIntervalMin || intervalMin > e.cfg.MaxIntervalMin {
		return nil, apperr.Validationf("interval %d minutes outside [%d,%d]", intervalMin, e.cfg.MinIntervalMin, e.cfg.MaxIntervalMin)
	}
	if !startTime.After(time.Now()) {
		return nil, apperr.Validationf("start time %s is not in the future", startTime.Format(time.RFC3339))
	}
	for i, def := range defs {
		if def.Question == "" {
			return nil, apperr.Validationf("campaign %d: empty question", i)
		}
		if n := len(def.Options); n < e.cfg.MinOptions || n > e.cfg.MaxOptions {
			return nil, apperr.Validationf("campaign %d: option count %d outside [%d,%d]", i, n, e.cfg.MinOptions, e.cfg.MaxOptions)
		}
		if def.Kind == transport.KindQuiz && (def.CorrectIdx < 0 || def.CorrectIdx >= len(def.Options)) {
			return nil, apperr.Validationf("campaign %d: correct option index %d out of range", i, def.CorrectIdx)
		}
	}

	// One schedule per destination at a time.
	cancelled, err := e.CancelJobsForDestinations(ctx, destinations)
	if err != nil {
		return nil, err
	}
	if len(cancelled) > 0 {
		e.log.Info("replaced existing schedule",
			logx.Int("cancelled", len(cancelled)))
	}

	interval := time.Duration(intervalMin) * time.Minute
	created := make([]storage.Job, 0, len(defs)*len(destinations))
	for i, def := range defs {
		fireAt := startTime.Add(time.Duration(i) * interval)
		for _, dest := range destinations {
			j := storage.Job{
				ID:          uuid.NewString(),
				Destination: dest,
				Kind:        string(def.Kind),
				Question:    def.Question,
				Options:     def.Options,
				CorrectIdx:  def.CorrectIdx,
				FireAt:      fireAt,
			}
			if err := e.store.CreateJob(ctx, j); err != nil {
				return created, err
			}
			e.armTimer(j.ID, fireAt)
			created = append(created, j)
		}
	}
	e.log.Info("campaigns scheduled",
		logx.Int("jobs", len(created)),
		logx.Int("destinations", len(destinations)),
		logx.Int("campaigns", len(defs)),
		logx.Time("start", startTime),
		logx.Int("interval_min", intervalMin))
	return created, nil
}

// CancelJob cancels one pending job. Cancelling an already-terminal job is a
// no-op; an unknown id returns apperr.ErrNotFound.
func (e *Engine) CancelJob(ctx context.Context, id string) error {
	e.dropTimer(id)

	ok, err := e.store.SetJobStatus(ctx, id, storage.StatusPending, storage.StatusCancelled)
	if err != nil {
		return err
	}
	if ok {
		e.log.Info("job cancelled", logx.String("job", id))
		return nil
	}
	// Already terminal, or never existed.
	if _, err := e.store.JobByID(ctx, id); err != nil {
		return err
	}
	return nil
}

// CancelJobsForDestinations cancels every pending job for the given
// destinations and returns the affected ids.
func (e *Engine) CancelJobsForDestinations(ctx context.Context, destinations []string) ([]string, error) {
	if len(destinations) == 0 {
		return nil, nil
	}
	ids, err := e.store.CancelPending(ctx, destinations)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.dropTimer(id)
	}
	return ids, nil
}

// RescheduleJob moves a pending job to a future fire time and re-arms its
// timer. Non-pending jobs fail with a StateError.
func (e *Engine) RescheduleJob(ctx context.Context, id string, newTime time.Time) error {
	if !newTime.After(time.Now()) {
		return apperr.Validationf("new fire time %s is not in the future", newTime.Format(time.RFC3339))
	}
	ok, err := e.store.SetJobFireAt(ctx, id, newTime)
	if err != nil {
		return err
	}
	if !ok {
		j, err := e.store.JobByID(ctx, id)
		if err != nil {
			return err
		}
		return apperr.Statef("job %s is %s, not pending", id, j.Status)
	}
	e.armTimer(id, newTime)
	e.log.Info("job rescheduled",
		logx.String("job", id),
		logx.Time("fire_at", newTime))
	return nil
}

// PendingJobs lists pending jobs ordered by fire time; empty destination
// means all destinations.
func (e *Engine) PendingJobs(ctx context.Context, destination string) ([]storage.Job, error) {
	return e.store.PendingJobs(ctx, destination)
}

// Stats snapshots armed timers and durable status counts.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.StatusCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	e.tmu.Lock()
	armed := len(e.timers)
	e.tmu.Unlock()
	return Stats{ArmedTimers: armed, StatusCounts: counts}, nil
}

// armTimer replaces any existing timer for the job. The callback only
// enqueues; actual sending happens on the worker pool.
func (e *Engine) armTimer(id string, fireAt time.Time) {
	d := time.Until(fireAt)
	if d < 0 {
		d = 0
	}
	tmr := time.AfterFunc(d, func() {
		select {
		case e.queue <- id:
		case <-e.stopCh:
		}
	})

	e.tmu.Lock()
	if prev, ok := e.timers[id]; ok {
		prev.Stop()
	}
	e.timers[id] = tmr
	e.tmu.Unlock()
}

func (e *Engine) dropTimer(id string) {
	e.tmu.Lock()
	if tmr, ok := e.timers[id]; ok {
		tmr.Stop()
		delete(e.timers, id)
	}
	e.tmu.Unlock()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case id := <-e.queue:
			e.fire(id)
		}
	}
}

func (e *Engine) fire(id string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in job fire",
				logx.String("job", id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	e.dropTimer(id)

	ctx, cancel := context.WithTimeout(e.runCtx, fireTimeout)
	defer cancel()

	j, err := e.store.JobByID(ctx, id)
	if err != nil {
		e.log.Error("fire lookup failed", logx.String("job", id), logx.Err(err))
		return
	}
	// A concurrent cancel may have won the race since the timer was armed.
	if j.Status != storage.StatusPending {
		e.log.Debug("skipping non-pending job",
			logx.String("job", id),
			logx.String("status", string(j.Status)))
		return
	}

	sent, err := e.adapter.SendCampaign(ctx, j.Destination, transport.CampaignKind(j.Kind), j.Question, j.Options, j.CorrectIdx)
	if err != nil {
		// Never retried: a retry after an ambiguous failure could double-send.
		if _, serr := e.store.SetJobStatus(ctx, id, storage.StatusPending, storage.StatusFailed); serr != nil {
			e.log.Error("failed-status update failed", logx.String("job", id), logx.Err(serr))
		}
		e.log.Warn("job fire failed",
			logx.String("job", id),
			logx.String("destination", j.Destination),
			logx.String("category", string(transport.Classify(err))),
			logx.Err(err))
		return
	}

	e.sessions.Register(session.Campaign{
		CampaignID:  sent.CampaignID,
		Destination: j.Destination,
		Kind:        transport.CampaignKind(j.Kind),
		CorrectIdx:  j.CorrectIdx,
		MessageID:   sent.MessageID,
	})
	e.lifecycle.Track(lifecycle.Tracked{
		CampaignID:  sent.CampaignID,
		Destination: j.Destination,
		MessageID:   sent.MessageID,
	})

	ok, err := e.store.SetJobStatus(ctx, id, storage.StatusPending, storage.StatusSent)
	if err != nil {
		e.log.Error("sent-status update failed", logx.String("job", id), logx.Err(err))
		return
	}
	if !ok {
		// The message went out but a cancel landed in between; the durable
		// record keeps whatever terminal status won.
		e.log.Warn("job fired but status was already terminal", logx.String("job", id))
		return
	}
	e.log.Info("job fired",
		logx.String("job", id),
		logx.String("destination", j.Destination),
		logx.String("campaign", sent.CampaignID))
}
