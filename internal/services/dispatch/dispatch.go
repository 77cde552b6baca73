// Package dispatch implements capped bulk fan-out of messages, images and
// interactive campaigns over the transport adapter.
package dispatch

import (
	"context"
	"time"

	"quizbot/internal/apperr"
	"quizbot/internal/services/batcher"
	"quizbot/internal/services/session"
	"quizbot/internal/transport"
	"quizbot/pkg/logx"
)

type Config struct {
	MaxDestinations int           // default 50
	MessageBatch    int           // default 10
	MessageDelay    time.Duration // default 350ms
	ImageBatch      int           // default 8
	ImageDelay      time.Duration // default 400ms
	MinOptions      int           // default 2
	MaxOptions      int           // default 10
}

func (c Config) withDefaults() Config {
	if c.MaxDestinations <= 0 {
		c.MaxDestinations = 50
	}
	if c.MessageBatch <= 0 {
		c.MessageBatch = 10
	}
	if c.MessageDelay <= 0 {
		c.MessageDelay = 350 * time.Millisecond
	}
	if c.ImageBatch <= 0 {
		c.ImageBatch = 8
	}
	if c.ImageDelay <= 0 {
		c.ImageDelay = 400 * time.Millisecond
	}
	if c.MinOptions <= 0 {
		c.MinOptions = 2
	}
	if c.MaxOptions <= 0 {
		c.MaxOptions = 10
	}
	return c
}

// Result aggregates one bulk operation. Every input destination is accounted
// for: Attempted == Succeeded + Failed.
type Result struct {
	Attempted   int
	Succeeded   int
	Failed      int
	FailedChats []batcher.Failure
	Duration    time.Duration
}

// Sessions registers delivered interactive campaigns for answer tracking.
type Sessions interface {
	Register(c session.Campaign)
}

type Dispatcher struct {
	cfg      Config
	adapter  transport.Adapter
	sessions Sessions
	msgBatch *batcher.Batcher
	imgBatch *batcher.Batcher
	log      logx.Logger
}

func New(cfg Config, adapter transport.Adapter, sessions Sessions, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		adapter:  adapter,
		sessions: sessions,
		msgBatch: batcher.New(batcher.Config{BatchSize: cfg.MessageBatch, BatchDelay: cfg.MessageDelay}, log),
		imgBatch: batcher.New(batcher.Config{BatchSize: cfg.ImageBatch, BatchDelay: cfg.ImageDelay}, log),
		log:      log,
	}
}

func (d *Dispatcher) checkDestinations(destinations []string) error {
	if len(destinations) == 0 {
		return apperr.Validationf("no destinations given")
	}
	if len(destinations) > d.cfg.MaxDestinations {
		return apperr.Validationf("too many destinations: %d > %d", len(destinations), d.cfg.MaxDestinations)
	}
	return nil
}

func (d *Dispatcher) checkOptions(options []string, correctIdx int, quiz bool) error {
	if n := len(options); n < d.cfg.MinOptions || n > d.cfg.MaxOptions {
		return apperr.Validationf("option count %d outside [%d,%d]", n, d.cfg.MinOptions, d.cfg.MaxOptions)
	}
	if quiz && (correctIdx < 0 || correctIdx >= len(options)) {
		return apperr.Validationf("correct option index %d out of range for %d options", correctIdx, len(options))
	}
	return nil
}

// SendBulkMessage delivers a text message (with an optional inline button) to
// every destination. Validation rejects the whole call before any send.
func (d *Dispatcher) SendBulkMessage(ctx context.Context, destinations []string, text string, btn *transport.Button) (Result, error) {
	if err := d.checkDestinations(destinations); err != nil {
		return Result{}, err
	}
	if text == "" {
		return Result{}, apperr.Validationf("empty message text")
	}
	return d.run(ctx, "message", destinations, d.msgBatch, func(ctx context.Context, dest string) error {
		_, err := d.adapter.SendText(ctx, dest, text, btn)
		return err
	}), nil
}

// SendBulkImage delivers an image with caption to every destination. Images
// run in smaller batches than text.
func (d *Dispatcher) SendBulkImage(ctx context.Context, destinations []string, image []byte, caption string) (Result, error) {
	if err := d.checkDestinations(destinations); err != nil {
		return Result{}, err
	}
	if len(image) == 0 {
		return Result{}, apperr.Validationf("empty image payload")
	}
	return d.run(ctx, "image", destinations, d.imgBatch, func(ctx context.Context, dest string) error {
		_, err := d.adapter.SendImage(ctx, dest, image, caption)
		return err
	}), nil
}

// SendBulkPoll delivers a non-scoring poll; every delivered copy is
// registered for answer tracking.
func (d *Dispatcher) SendBulkPoll(ctx context.Context, destinations []string, question string, options []string) (Result, error) {
	return d.sendCampaigns(ctx, destinations, transport.KindPoll, question, options, 0)
}

// SendBulkQuiz delivers a scored quiz with one correct option.
func (d *Dispatcher) SendBulkQuiz(ctx context.Context, destinations []string, question string, options []string, correctIdx int) (Result, error) {
	return d.sendCampaigns(ctx, destinations, transport.KindQuiz, question, options, correctIdx)
}

func (d *Dispatcher) sendCampaigns(ctx context.Context, destinations []string, kind transport.CampaignKind, question string, options []string, correctIdx int) (Result, error) {
	if err := d.checkDestinations(destinations); err != nil {
		return Result{}, err
	}
	if question == "" {
		return Result{}, apperr.Validationf("empty question")
	}
	if err := d.checkOptions(options, correctIdx, kind == transport.KindQuiz); err != nil {
		return Result{}, err
	}
	return d.run(ctx, string(kind), destinations, d.msgBatch, func(ctx context.Context, dest string) error {
		sent, err := d.adapter.SendCampaign(ctx, dest, kind, question, options, correctIdx)
		if err != nil {
			return err
		}
		d.sessions.Register(session.Campaign{
			CampaignID:  sent.CampaignID,
			Destination: dest,
			Kind:        kind,
			CorrectIdx:  correctIdx,
			MessageID:   sent.MessageID,
		})
		return nil
	}), nil
}

func (d *Dispatcher) run(ctx context.Context, what string, destinations []string, b *batcher.Batcher, fn func(ctx context.Context, dest string) error) Result {
	start := time.Now()
	failures := b.Run(ctx, destinations, transport.Reason, fn)
	res := Result{
		Attempted:   len(destinations),
		Succeeded:   len(destinations) - len(failures),
		Failed:      len(failures),
		FailedChats: failures,
		Duration:    time.Since(start),
	}
	d.log.Info("bulk dispatch done",
		logx.String("what", what),
		logx.Int("attempted", res.Attempted),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Duration))
	return res
}
