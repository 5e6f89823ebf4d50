package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyagent/internal/adapters/httpx"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const telegramAPI = "https://api.telegram.org"

// Telegram envía los eventos del ciclo de vida a un chat vía Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *httpx.Client
	limiter *rate.Limiter
}

var _ ports.Notifier = (*Telegram)(nil)

// NewTelegram crea el notificador. baseURL vacío usa la API pública.
func NewTelegram(token, chatID, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	c := httpx.New(10 * time.Second)
	c.MaxRetries = 2
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    c,
		// Telegram limita a ~1 msg/s por chat
		limiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) PositionOpened(ctx context.Context, pos domain.Position) error {
	return t.send(ctx, fmt.Sprintf("📥 *OPEN* %s `%s`\n%s %s $%.2f @ %.4f",
		pos.Strategy, pos.ShortID(), pos.Label(), pos.Side, pos.SizeUSD, pos.EntryPrice))
}

func (t *Telegram) PositionClosed(ctx context.Context, ev domain.CloseEvent) error {
	icon := "✅"
	if ev.PnL < 0 {
		icon = "🔻"
	}
	return t.send(ctx, fmt.Sprintf("%s *CLOSE* %s `%s`\n%s\nreason: %s\npnl: %s (%+.2f%%) @ %.4f\nvia %s",
		icon, ev.Position.Strategy, ev.Position.ShortID(), ev.Position.Label(),
		ev.Reason, signedUSD(ev.PnL), ev.PriceDelta*100, ev.ClosePrice, ev.Source))
}

func (t *Telegram) PredictionReeval(ctx context.Context, ev domain.ReevalEvent) error {
	var sb strings.Builder
	switch ev.Verdict {
	case domain.VerdictSold:
		fmt.Fprintf(&sb, "💸 *SOLD* `%s` %s\n", ev.Position.ShortID(), ev.Reason)
	default:
		fmt.Fprintf(&sb, "⚠️ *%s* `%s`\n", ev.Verdict, ev.Position.ShortID())
	}
	fmt.Fprintf(&sb, "%s\nprice %.3f, new p %.3f, edge %+.3f, move %.1f%%",
		ev.Position.Label(), ev.CurrentPrice, ev.NewProbability, ev.OurEdge, ev.MovePct*100)
	if ev.Confidence != "" {
		fmt.Fprintf(&sb, ", confidence %s", ev.Confidence)
	}
	if ev.Verdict == domain.VerdictSold {
		fmt.Fprintf(&sb, "\npnl: %s", signedUSD(ev.PnL))
	}
	return t.send(ctx, sb.String())
}

func (t *Telegram) CloseFailed(ctx context.Context, f domain.CloseFailure) error {
	return t.send(ctx, fmt.Sprintf("🚨 *CLOSE FAILED* %s `%s`\n%s\nreason: %s, pending leg: %s\nerror: %s",
		f.Position.Strategy, f.Position.ShortID(), f.Position.Label(), f.Reason, f.PendingLeg, f.Err))
}

func (t *Telegram) send(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req := sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	}
	var resp sendMessageResponse
	if err := t.http.Send(ctx, t.limiter, http.MethodPost, url, req, &resp); err != nil {
		return fmt.Errorf("telegram.send: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("telegram.send: api error: %s", resp.Description)
	}
	return nil
}
