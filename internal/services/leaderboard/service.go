// Package leaderboard aggregates quiz outcomes into ranked summaries: a
// per-destination recap when a day's campaigns finish, and a weekly digest
// fanned out on a cron schedule.
package leaderboard

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"quizbot/internal/storage"
	"quizbot/internal/transport"
	"quizbot/internal/tz"
	"quizbot/pkg/logx"
)

const sendTimeout = 2 * time.Minute

type Config struct {
	Limit       int           // top-N, default 10
	WeeklySpec  string        // cron spec in the engine's zone, default Sunday 10:00
	SendEvery   time.Duration // fan-out pacing, default 300ms
	DailyTitle  string
	WeeklyTitle string
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.WeeklySpec == "" {
		c.WeeklySpec = "0 10 * * 0"
	}
	if c.SendEvery <= 0 {
		c.SendEvery = 300 * time.Millisecond
	}
	if c.DailyTitle == "" {
		c.DailyTitle = "🏆 Today's top scorers"
	}
	if c.WeeklyTitle == "" {
		c.WeeklyTitle = "🏆 This week's top scorers"
	}
	return c
}

type Service struct {
	cfg     Config
	store   storage.Store
	adapter transport.Adapter
	loc     *time.Location
	log     logx.Logger

	c       *cron.Cron
	limiter *rate.Limiter
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, loc *time.Location, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		loc:     loc,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.SendEvery), 1),
	}
}

// Start arms the weekly digest cron in the engine's civil timezone.
func (s *Service) Start() error {
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.cfg.WeeklySpec, s.runWeekly); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("weekly digest armed",
		logx.String("spec", s.cfg.WeeklySpec),
		logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
}

// SendDaily posts the day's top scorers to one destination. A day with no
// recorded outcomes sends nothing.
func (s *Service) SendDaily(ctx context.Context, destination string) {
	from, to := tz.DayBounds(time.Now(), s.loc)
	s.send(ctx, destination, s.cfg.DailyTitle, from, to)
}

func (s *Service) runWeekly() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in weekly digest",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	dests, err := s.store.OutcomeDestinations(ctx)
	if err != nil {
		s.log.Error("weekly fan-out query failed", logx.Err(err))
		return
	}
	from, to := tz.WeekBounds(time.Now(), s.loc)
	for _, d := range dests {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.send(ctx, d, s.cfg.WeeklyTitle, from, to)
	}
	s.log.Info("weekly digest sent", logx.Int("destinations", len(dests)))
}

func (s *Service) send(ctx context.Context, destination, title string, from, to time.Time) {
	scores, err := s.store.TopScorers(ctx, destination, from, to, s.cfg.Limit)
	if err != nil {
		s.log.Error("score query failed",
			logx.String("destination", destination),
			logx.Err(err))
		return
	}
	if len(scores) == 0 {
		s.log.Debug("no outcomes to summarize",
			logx.String("destination", destination))
		return
	}
	if _, err := s.adapter.SendText(ctx, destination, Format(title, scores), nil); err != nil {
		s.log.Warn("summary send failed",
			logx.String("destination", destination),
			logx.Err(err))
		return
	}
	s.log.Info("summary sent",
		logx.String("destination", destination),
		logx.Int("scorers", len(scores)))
}
