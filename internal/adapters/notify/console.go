package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Console implementa ports.Notifier escribiendo una línea por evento.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

var _ ports.Notifier = (*Console)(nil)

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

func (c *Console) PositionOpened(_ context.Context, pos domain.Position) error {
	c.printf("[%s] OPEN  %-11s %s %s $%.2f @ %.4f (%s)\n",
		stamp(time.Now()), pos.Strategy, pos.ShortID(), pos.Side, pos.SizeUSD, pos.EntryPrice, pos.Label())
	return nil
}

func (c *Console) PositionClosed(_ context.Context, ev domain.CloseEvent) error {
	c.printf("[%s] CLOSE %-11s %s %s pnl %s (%+.2f%%) @ %.4f via %s | %s\n",
		stamp(ev.At), ev.Position.Strategy, ev.Position.ShortID(), ev.Reason,
		signedUSD(ev.PnL), ev.PriceDelta*100, ev.ClosePrice, ev.Source, ev.Position.Label())
	return nil
}

func (c *Console) PredictionReeval(_ context.Context, ev domain.ReevalEvent) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] REEVAL %s %s price %.3f p=%.3f edge %+.3f move %.1f%%",
		stamp(ev.At), ev.Verdict, ev.Position.ShortID(), ev.CurrentPrice, ev.NewProbability, ev.OurEdge, ev.MovePct*100)
	if ev.Verdict == domain.VerdictSold {
		fmt.Fprintf(&sb, " → %s pnl %s", ev.Reason, signedUSD(ev.PnL))
	}
	fmt.Fprintf(&sb, " | %s\n", ev.Position.Label())
	c.printf("%s", sb.String())
	return nil
}

func (c *Console) CloseFailed(_ context.Context, f domain.CloseFailure) error {
	c.printf("[%s] !! CLOSE FAILED %s %s %s (pending %s): %s\n",
		stamp(f.At), f.Position.Strategy, f.Position.ShortID(), f.Reason, f.PendingLeg, f.Err)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format("15:04:05")
}

func signedUSD(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-$%.4f", -v)
	}
	return fmt.Sprintf("+$%.4f", v)
}
