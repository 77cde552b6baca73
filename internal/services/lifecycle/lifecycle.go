// Package lifecycle drives the post-send life of a campaign message: a
// reminder a few minutes in, then deletion, then a day-complete check that
// may trigger a summary for the destination.
package lifecycle

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"quizbot/internal/storage"
	"quizbot/internal/transport"
	"quizbot/internal/tz"
	"quizbot/pkg/logx"
)

const actionTimeout = 30 * time.Second

type Config struct {
	ReminderDelay time.Duration // reminder after send, default 5m
	DeleteDelay   time.Duration // deletion after send, default 10m
	ReminderTTL   time.Duration // how long the reminder itself lives, default 5m
	ReminderText  string
}

func (c Config) withDefaults() Config {
	if c.ReminderDelay <= 0 {
		c.ReminderDelay = 5 * time.Minute
	}
	if c.DeleteDelay <= 0 {
		c.DeleteDelay = 10 * time.Minute
	}
	if c.ReminderTTL <= 0 {
		c.ReminderTTL = 5 * time.Minute
	}
	if c.ReminderText == "" {
		c.ReminderText = "⏰ Time is running out! Answer the question above before it disappears."
	}
	return c
}

// Sessions is the slice of the session tracker the manager needs: dropping a
// campaign when its message is deleted.
type Sessions interface {
	Expire(campaignID string)
}

// Tracked is one sent campaign message under lifecycle management.
type Tracked struct {
	CampaignID  string
	Destination string
	MessageID   int
}

// DayCompleteFunc runs after a campaign's deletion when its destination has
// no pending jobs left in the current civil day.
type DayCompleteFunc func(ctx context.Context, destination string)

type Manager struct {
	cfg      Config
	adapter  transport.Adapter
	store    storage.Store
	sessions Sessions
	loc      *time.Location
	onDay    DayCompleteFunc
	log      logx.Logger

	tmu    sync.Mutex
	timers map[string][]*time.Timer
	closed bool
}

func New(cfg Config, adapter transport.Adapter, store storage.Store, sessions Sessions, loc *time.Location, onDay DayCompleteFunc, log logx.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		adapter:  adapter,
		store:    store,
		sessions: sessions,
		loc:      loc,
		onDay:    onDay,
		log:      log,
		timers:   map[string][]*time.Timer{},
	}
}

// Track arms the reminder and deletion timers for a sent campaign message.
// Both actions are best-effort: transport failures are logged, never retried.
func (m *Manager) Track(t Tracked) {
	m.tmu.Lock()
	if m.closed {
		m.tmu.Unlock()
		return
	}
	reminder := time.AfterFunc(m.cfg.ReminderDelay, func() { m.runAction("reminder", t, m.remind) })
	deletion := time.AfterFunc(m.cfg.DeleteDelay, func() { m.runAction("delete", t, m.cleanup) })
	m.timers[t.CampaignID] = append(m.timers[t.CampaignID], reminder, deletion)
	m.tmu.Unlock()

	m.log.Debug("lifecycle armed",
		logx.String("campaign", t.CampaignID),
		logx.String("destination", t.Destination),
		logx.Duration("reminder_in", m.cfg.ReminderDelay),
		logx.Duration("delete_in", m.cfg.DeleteDelay))
}

func (m *Manager) runAction(name string, t Tracked, fn func(ctx context.Context, t Tracked)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in lifecycle action",
				logx.String("action", name),
				logx.String("campaign", t.CampaignID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	fn(ctx, t)
}

func (m *Manager) remind(ctx context.Context, t Tracked) {
	msgID, err := m.adapter.SendText(ctx, t.Destination, m.cfg.ReminderText, nil)
	if err != nil {
		m.log.Warn("reminder send failed",
			logx.String("campaign", t.CampaignID),
			logx.String("destination", t.Destination),
			logx.Err(err))
		return
	}

	// The reminder is throwaway noise; clean it up on its own timer.
	m.tmu.Lock()
	if !m.closed {
		tmr := time.AfterFunc(m.cfg.ReminderTTL, func() {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			if err := m.adapter.DeleteMessage(ctx, t.Destination, msgID); err != nil {
				m.log.Warn("reminder delete failed",
					logx.String("destination", t.Destination),
					logx.Err(err))
			}
		})
		m.timers[t.CampaignID] = append(m.timers[t.CampaignID], tmr)
	}
	m.tmu.Unlock()
}

func (m *Manager) cleanup(ctx context.Context, t Tracked) {
	if err := m.adapter.DeleteMessage(ctx, t.Destination, t.MessageID); err != nil {
		m.log.Warn("campaign delete failed",
			logx.String("campaign", t.CampaignID),
			logx.String("destination", t.Destination),
			logx.Err(err))
	}

	m.sessions.Expire(t.CampaignID)

	defer func() {
		m.tmu.Lock()
		delete(m.timers, t.CampaignID)
		m.tmu.Unlock()
	}()

	if m.onDay == nil {
		return
	}
	now := time.Now()
	dayStart, dayEnd := tz.DayBounds(now, m.loc)
	n, err := m.store.CountPendingInRange(ctx, t.Destination, dayStart, dayEnd)
	if err != nil {
		m.log.Error("pending count failed",
			logx.String("destination", t.Destination),
			logx.Err(err))
		return
	}
	if n > 0 {
		return
	}
	m.log.Info("destination done for the day",
		logx.String("destination", t.Destination))
	m.onDay(ctx, t.Destination)
}

// Tracking reports how many campaigns still have armed timers.
func (m *Manager) Tracking() int {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	return len(m.timers)
}

// Shutdown cancels every armed timer. Actions already running are not
// interrupted; no new ones start.
func (m *Manager) Shutdown() {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	m.closed = true
	for id, ts := range m.timers {
		for _, tmr := range ts {
			tmr.Stop()
		}
		delete(m.timers, id)
	}
}
