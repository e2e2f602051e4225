package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"reward-ledger/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"
)

// Notifier delivers one message to the operator channel. A nil error means the
// channel accepted it. Implementations do not retry.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// ErrNotifierDisabled is returned when no operator channel is configured.
var ErrNotifierDisabled = errors.New("operator channel not configured")

// DisabledNotifier fails every send, so withdrawals are refused rather than
// debited without an operator ever hearing about them.
type DisabledNotifier struct{}

func (DisabledNotifier) Notify(context.Context, string) error { return ErrNotifierDisabled }

// TelegramNotifier posts HTML messages to a single chat through the Bot API.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	limiter *rate.Limiter
}

// NewTelegramNotifier verifies the token with getMe. endpoint may be empty for
// the public Bot API; it takes the tgbotapi "%s/%s" format otherwise.
func NewTelegramNotifier(token string, chatID int64, endpoint string, timeout time.Duration, perMinute int) (*TelegramNotifier, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}

	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = perMinute
	}
	return &TelegramNotifier{
		bot:     bot,
		chatID:  chatID,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, text string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram throttle: %w", err)
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram sendMessage: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram sendMessage: %w", ctx.Err())
	}
}

var printer = message.NewPrinter(language.English)

// WithdrawalMessage is the operator notice for a new request. Everything the
// client supplied is escaped before it reaches HTML parse mode.
func WithdrawalMessage(w *models.WithdrawalRequest, acc *models.Account) string {
	addr := html.EscapeString(w.Address)
	amt := w.Amount.String()

	var b strings.Builder
	b.WriteString("💸 <b>Withdrawal request</b>\n")
	fmt.Fprintf(&b, "User: <b>%s</b> (<code>%s</code>)\n", html.EscapeString(w.Username), html.EscapeString(string(w.UserID)))
	fmt.Fprintf(&b, "Amount: <b>%s</b>\n", amt)
	fmt.Fprintf(&b, "Address: <code>%s</code>\n", addr)
	if acc != nil {
		b.WriteString(printer.Sprintf("Points: %d, referrals: %d\n", acc.Points, acc.ReferralCount))
	}
	fmt.Fprintf(&b, "Request: <code>%s</code>\n\n", w.ID)
	fmt.Fprintf(&b, "<code>/approve %s %s</code>\n", addr, amt)
	fmt.Fprintf(&b, "<code>/reject %s %s</code>", addr, amt)
	return b.String()
}

// VoidMessage retracts a notice whose debit did not go through.
func VoidMessage(w *models.WithdrawalRequest) string {
	return fmt.Sprintf("⚠️ <b>Withdrawal voided</b>\nRequest <code>%s</code> for <b>%s</b> to <code>%s</code> was not debited. Do not pay it.",
		w.ID, w.Amount.String(), html.EscapeString(w.Address))
}

// AbandonedSummary lists requests that were recorded but never debited.
func AbandonedSummary(ws []models.WithdrawalRequest) string {
	var b strings.Builder
	b.WriteString(printer.Sprintf("🕒 <b>%d abandoned withdrawal request(s)</b>\nNone were debited. Reject any that reached you.\n", len(ws)))
	for _, w := range ws {
		fmt.Fprintf(&b, "\n• <code>%s</code> %s → <code>%s</code> (user <code>%s</code>)",
			w.ID, w.Amount.String(), html.EscapeString(w.Address), html.EscapeString(string(w.UserID)))
	}
	return b.String()
}
