// Package transport defines the messaging capability the engine consumes.
// Destinations are opaque string identifiers; the Telegram adapter under
// transport/telegram maps them to chat ids.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type CampaignKind string

const (
	KindQuiz CampaignKind = "quiz"
	KindPoll CampaignKind = "poll"
)

// SentCampaign identifies an interactive message after it is delivered.
// CampaignID is assigned by the remote API and is the key answers arrive
// under; MessageID is needed for later deletion.
type SentCampaign struct {
	CampaignID string
	MessageID  int
}

// Button is an optional inline URL button attached to a plain message.
type Button struct {
	Text   string
	URL    string
	WebApp bool
}

// Answer is one user's response to an interactive campaign.
// OptionIdx is -1 when the user retracted their vote.
type Answer struct {
	CampaignID string
	UserID     int64
	Username   string
	FirstName  string
	OptionIdx  int
}

// Adapter is the transport capability consumed by the engine.
type Adapter interface {
	Start(ctx context.Context, out chan<- Answer) error
	Stop(ctx context.Context) error

	SendCampaign(ctx context.Context, destination string, kind CampaignKind, question string, options []string, correctIdx int) (SentCampaign, error)
	SendText(ctx context.Context, destination string, text string, btn *Button) (messageID int, err error)
	SendImage(ctx context.Context, destination string, image []byte, caption string) (messageID int, err error)
	DeleteMessage(ctx context.Context, destination string, messageID int) error
}

// ---- Error classification ----

// Error is the remote API error shape: a numeric code plus description.
type Error struct {
	Code        int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %d %s", e.Code, e.Description)
}

type Category string

const (
	// CategoryBlocked means the destination is unreachable (bot blocked,
	// kicked, or chat deactivated); it should be excluded from future sends.
	CategoryBlocked     Category = "blocked"
	CategoryMalformed   Category = "malformed"
	CategoryRateLimited Category = "rate_limited"
	CategoryUnknown     Category = "unknown"
)

// Classify maps a send/delete error to a failure category. Ambiguous errors
// are never treated as success.
func Classify(err error) Category {
	var te *Error
	if !errors.As(err, &te) {
		return CategoryUnknown
	}
	switch te.Code {
	case 403:
		return CategoryBlocked
	case 400, 404:
		return CategoryMalformed
	case 429:
		return CategoryRateLimited
	default:
		return CategoryUnknown
	}
}

// Reason reduces an error to a short human-readable string for per-destination
// failure reporting.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if !errors.As(err, &te) {
		return err.Error()
	}
	desc := strings.ToLower(te.Description)
	switch te.Code {
	case 403:
		if strings.Contains(desc, "kicked") {
			return "bot was removed from the chat"
		}
		if strings.Contains(desc, "blocked") {
			return "bot was blocked by the chat"
		}
		return "bot lacks permission or was blocked/removed from chat"
	case 400:
		if strings.Contains(desc, "chat not found") {
			return "chat not found or invalid destination"
		}
		if strings.Contains(desc, "not enough rights") {
			return "bot lacks permission to send messages in this chat"
		}
		return "bad request: " + te.Description
	case 404:
		return "chat not found"
	case 429:
		return "rate limited - too many requests"
	default:
		return fmt.Sprintf("remote API error (%d): %s", te.Code, te.Description)
	}
}
