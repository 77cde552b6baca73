// Package telegram implements the transport capability on top of telebot.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"quizbot/internal/transport"
	"quizbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Answer
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Answer) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle(tele.OnPollAnswer, func(c tele.Context) error {
		pa := c.PollAnswer()
		if pa == nil || pa.Sender == nil {
			return nil
		}
		ans := transport.Answer{
			CampaignID: pa.PollID,
			UserID:     pa.Sender.ID,
			Username:   pa.Sender.Username,
			FirstName:  pa.Sender.FirstName,
			OptionIdx:  -1, // retracted vote unless an option is present
		}
		if len(pa.Options) > 0 {
			ans.OptionIdx = pa.Options[0]
		}
		select {
		case out <- ans:
		default:
			a.log.Warn("poll answer dropped (channel full)",
				logx.String("campaign", ans.CampaignID),
				logx.Int64("user", ans.UserID))
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown on a long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendCampaign(ctx context.Context, destination string, kind transport.CampaignKind, question string, options []string, correctIdx int) (transport.SentCampaign, error) {
	chat, err := chatFor(destination)
	if err != nil {
		return transport.SentCampaign{}, err
	}

	poll := &tele.Poll{
		Question:  question,
		Anonymous: false,
	}
	for _, opt := range options {
		poll.Options = append(poll.Options, tele.PollOption{Text: opt})
	}
	switch kind {
	case transport.KindQuiz:
		poll.Type = tele.PollQuiz
		poll.CorrectOption = correctIdx
	default:
		poll.Type = tele.PollRegular
	}

	msg, err := a.bot.Send(chat, poll)
	if err != nil {
		return transport.SentCampaign{}, mapError(err)
	}
	if msg.Poll == nil {
		return transport.SentCampaign{}, &transport.Error{Code: 500, Description: "no poll in response"}
	}
	return transport.SentCampaign{CampaignID: msg.Poll.ID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendText(ctx context.Context, destination string, text string, btn *transport.Button) (int, error) {
	chat, err := chatFor(destination)
	if err != nil {
		return 0, err
	}
	opt := &tele.SendOptions{ParseMode: tele.ModeMarkdown}
	if btn != nil {
		opt.ReplyMarkup = markupFor(chat.ID, btn)
	}
	msg, err := a.bot.Send(chat, text, opt)
	if err != nil {
		return 0, mapError(err)
	}
	return msg.ID, nil
}

func (a *Adapter) SendImage(ctx context.Context, destination string, image []byte, caption string) (int, error) {
	chat, err := chatFor(destination)
	if err != nil {
		return 0, err
	}
	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(image)), Caption: caption}
	msg, err := a.bot.Send(chat, photo)
	if err != nil {
		return 0, mapError(err)
	}
	return msg.ID, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, destination string, messageID int) error {
	chat, err := chatFor(destination)
	if err != nil {
		return err
	}
	stored := &tele.StoredMessage{ChatID: chat.ID, MessageID: strconv.Itoa(messageID)}
	if err := a.bot.Delete(stored); err != nil {
		return mapError(err)
	}
	return nil
}

// chatFor parses an opaque destination into a Telegram chat. Destinations
// are numeric chat ids; anything else is a malformed destination.
func chatFor(destination string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return nil, &transport.Error{Code: 400, Description: "invalid destination " + destination}
	}
	return &tele.Chat{ID: id}, nil
}

// markupFor builds the inline keyboard for a message button. WebApp buttons
// are only valid in private chats (positive ids); group chats get a plain
// URL button instead.
func markupFor(chatID int64, btn *transport.Button) *tele.ReplyMarkup {
	b := tele.InlineButton{Text: btn.Text, URL: btn.URL}
	if btn.WebApp && chatID > 0 {
		b.URL = ""
		b.WebApp = &tele.WebApp{URL: btn.URL}
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{b}}}
}

// mapError converts telebot errors to the transport error shape so callers
// can classify without importing telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.Error{Code: 429, Description: fe.Error()}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return &transport.Error{Code: te.Code, Description: te.Description}
	}
	return err
}
