// Package notify alerts human operators when a registration needs manual
// verification.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	botmodels "github.com/go-telegram/bot/models"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/callback"
)

// Sender is the subset of *bot.Bot the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*botmodels.Message, error)
}

type TelegramNotifier struct {
	sender      Sender
	chatIDs     []int64
	sendTimeout time.Duration
	logger      logger.Logger
}

// NewTelegramBot builds a send-only bot client. getMe is skipped so startup
// does not depend on Telegram being reachable.
func NewTelegramBot(token string) (*bot.Bot, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return b, nil
}

func NewTelegramNotifier(sender Sender, chatIDs []int64, log logger.Logger) *TelegramNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &TelegramNotifier{
		sender:      sender,
		chatIDs:     chatIDs,
		sendTimeout: 10 * time.Second,
		logger:      log.WithField("component", "telegram_notifier"),
	}
}

// Listeners alerts operators on challenge detection and on challenges that
// were not resolved.
func (n *TelegramNotifier) Listeners() callback.Listeners {
	return callback.Listeners{
		OnChallengeDetected: func(e callback.Event) error {
			return n.Notify(context.Background(), challengeDetectedText(e))
		},
		OnChallengeTimeout: func(e callback.Event) error {
			return n.Notify(context.Background(), challengeFailedText(e))
		},
	}
}

// Notify sends text to every configured chat. All chats are attempted; the
// returned error joins the individual failures.
func (n *TelegramNotifier) Notify(ctx context.Context, text string) error {
	if len(n.chatIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()

	var errs []error
	for _, chatID := range n.chatIDs {
		_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
		if err != nil {
			n.logger.Warn("Failed to send telegram notification", logger.F("chat_id", chatID), logger.Err(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func challengeDetectedText(e callback.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Manual verification needed\n")
	fmt.Fprintf(&b, "Account: %s (#%d)\n", e.Username, e.AccountID)
	fmt.Fprintf(&b, "Challenge: %s\n", e.ChallengeType)
	if e.Remaining > 0 {
		fmt.Fprintf(&b, "Time left: %s\n", e.Remaining.Round(time.Second))
	}
	if e.RunID != "" {
		fmt.Fprintf(&b, "Run: %s", e.RunID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func challengeFailedText(e callback.Event) string {
	text := fmt.Sprintf("Challenge not resolved\nAccount: %s (#%d)\nChallenge: %s\nOutcome: %s",
		e.Username, e.AccountID, e.ChallengeType, e.Outcome)
	if e.Elapsed > 0 {
		text += fmt.Sprintf("\nWaited: %s", e.Elapsed.Round(time.Second))
	}
	return text
}
