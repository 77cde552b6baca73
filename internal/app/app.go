// Package app wires the engine together: config, logging, storage,
// transport and the scheduling services, with constructor-time dependency
// injection so nothing fires before its collaborators exist.
package app

import (
	"context"
	"sync"
	"time"

	"quizbot/internal/config"
	"quizbot/internal/services/dispatch"
	"quizbot/internal/services/leaderboard"
	"quizbot/internal/services/lifecycle"
	"quizbot/internal/services/schedule"
	"quizbot/internal/services/session"
	"quizbot/internal/storage"
	"quizbot/internal/transport"
	"quizbot/internal/transport/telegram"
	"quizbot/internal/tz"
	"quizbot/pkg/logx"
)

const answerBuffer = 256

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      storage.Store
	adapter    transport.Adapter
	sessions   *session.Tracker
	lifecycle  *lifecycle.Manager
	engine     *schedule.Engine
	dispatcher *dispatch.Dispatcher
	board      *leaderboard.Service

	answers chan transport.Answer
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())

	loc, err := tz.Load(cfg.Engine.Timezone)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("svc", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sessions := session.New(session.Config{
		TTL:    config.Duration(cfg.Session.TTL, 0),
		Points: cfg.Session.Points,
	}, store, log.With(logx.String("svc", "session")))

	board := leaderboard.New(leaderboard.Config{
		Limit:      cfg.Leaderboard.Limit,
		WeeklySpec: cfg.Leaderboard.WeeklyCron,
		SendEvery:  config.Duration(cfg.Leaderboard.SendEvery, 0),
	}, store, adapter, loc, log.With(logx.String("svc", "leaderboard")))

	lc := lifecycle.New(lifecycle.Config{
		ReminderDelay: config.Duration(cfg.Lifecycle.ReminderDelay, 0),
		DeleteDelay:   config.Duration(cfg.Lifecycle.DeleteDelay, 0),
		ReminderTTL:   config.Duration(cfg.Lifecycle.ReminderTTL, 0),
		ReminderText:  cfg.Lifecycle.ReminderText,
	}, adapter, store, sessions, loc, board.SendDaily, log.With(logx.String("svc", "lifecycle")))

	engine := schedule.New(schedule.Config{
		MaxDestinations: cfg.Engine.MaxDestinations,
		MaxCampaigns:    cfg.Engine.MaxCampaigns,
		Workers:         cfg.Engine.Workers,
		QueueSize:       cfg.Engine.QueueSize,
	}, store, adapter, sessions, lc, log.With(logx.String("svc", "schedule")))

	dispatcher := dispatch.New(dispatch.Config{
		MaxDestinations: cfg.Dispatch.MaxDestinations,
		MessageBatch:    cfg.Dispatch.MessageBatch,
		MessageDelay:    config.Duration(cfg.Dispatch.MessageDelay, 0),
		ImageBatch:      cfg.Dispatch.ImageBatch,
		ImageDelay:      config.Duration(cfg.Dispatch.ImageDelay, 0),
	}, adapter, sessions, log.With(logx.String("svc", "dispatch")))

	return &App{
		cfgMgr:     cfgMgr,
		logSvc:     logSvc,
		log:        log,
		store:      store,
		adapter:    adapter,
		sessions:   sessions,
		lifecycle:  lc,
		engine:     engine,
		dispatcher: dispatcher,
		board:      board,
		answers:    make(chan transport.Answer, answerBuffer),
		stopCh:     make(chan struct{}),
	}, nil
}

// Engine exposes the scheduling operations to callers (commands, admin API).
func (a *App) Engine() *schedule.Engine { return a.engine }

// Dispatcher exposes the bulk send operations.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true

	// Background loops outlive the Start call; they stop via stopCh/cancel.
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.adapter.Start(ctx, a.answers); err != nil {
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.board.Start(); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.answerLoop()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()

	a.wg.Add(1)
	go a.configLoop(a.cfgMgr.Subscribe(1))

	a.log.Info("app started")
	return nil
}

// answerLoop routes inbound answers to the session tracker.
func (a *App) answerLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case ans := <-a.answers:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			res := a.sessions.RecordAnswer(ctx, ans)
			cancel()
			if !res.Matched {
				a.log.Debug("answer for unknown campaign",
					logx.String("campaign", ans.CampaignID),
					logx.Int64("user", ans.UserID))
			}
		}
	}
}

// configLoop applies hot-reloadable settings. Only logging is live today;
// everything else needs a restart.
func (a *App) configLoop(updates chan *config.Config) {
	defer a.wg.Done()
	defer a.cfgMgr.Unsubscribe(updates)
	for {
		select {
		case <-a.stopCh:
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logSvc.Apply(cfg.Logging.ToLogx())
			a.log.Info("logging config applied",
				logx.String("level", cfg.Logging.Level))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false
	close(a.stopCh)
	a.cancel()

	_ = a.adapter.Stop(ctx)
	a.engine.Stop(ctx)
	a.board.Stop(ctx)
	a.lifecycle.Shutdown()
	a.sessions.Shutdown()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.store.Close()
	a.log.Info("app stopped")
	_ = a.logSvc.Close()
	return err
}
