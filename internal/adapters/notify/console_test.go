package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/notify"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

func makePrediction(question, category string, size float64) domain.Position {
	return domain.NewPredictionPosition(domain.PredictionOpportunity{
		MarketID:    "0xmarket",
		Question:    question,
		Category:    category,
		YesTokenID:  "tok_yes",
		NoTokenID:   "tok_no",
		Side:        domain.SideYes,
		Probability: 0.65,
		Bet:         size,
	}, domain.Entry{Quantity: size / 0.55, Price: 0.55})
}

// --- Console ---

func TestConsole_PositionClosed(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)
	pos := makePrediction("Will BTC hit 100k?", "crypto", 5)

	err := c.PositionClosed(context.Background(), domain.CloseEvent{
		Position:   pos,
		Reason:     domain.ReasonEdgeTooThin,
		ClosePrice: 0.64,
		PnL:        0.8181,
		PriceDelta: 0.1636,
		Source:     domain.SourceStream,
		At:         time.Now(),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "CLOSE")
	assert.Contains(t, out, "edge_too_thin")
	assert.Contains(t, out, "+$0.8181")
	assert.Contains(t, out, "stream")
	assert.Contains(t, out, "Will BTC hit 100k?")
}

func TestConsole_PredictionReeval_SoldShowsPnL(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)
	pos := makePrediction("Rain in Madrid?", "weather", 3)

	require.NoError(t, c.PredictionReeval(context.Background(), domain.ReevalEvent{
		Position: pos, Verdict: domain.VerdictAlert, CurrentPrice: 0.6, NewProbability: 0.62, OurEdge: 0.02,
	}))
	require.NoError(t, c.PredictionReeval(context.Background(), domain.ReevalEvent{
		Position: pos, Verdict: domain.VerdictSold, Reason: domain.ReasonEdgeInverted, PnL: -0.5,
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ALERT")
	assert.NotContains(t, lines[0], "pnl")
	assert.Contains(t, lines[1], "edge_inverted")
	assert.Contains(t, lines[1], "-$0.5000")
}

func TestConsole_CloseFailed(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	require.NoError(t, c.CloseFailed(context.Background(), domain.CloseFailure{
		Position:   makePrediction("Q", "", 1),
		Reason:     domain.ReasonTimeout1h,
		PendingLeg: domain.LegOther,
		Err:        "insufficient margin",
	}))
	assert.Contains(t, buf.String(), "CLOSE FAILED")
	assert.Contains(t, buf.String(), "pending other")
	assert.Contains(t, buf.String(), "insufficient margin")
}

func TestConsole_PrintPositions(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	open := []domain.Position{
		makePrediction("Will BTC hit 100k?", "crypto", 4),
		makePrediction("Election winner?", "politics", 2),
	}
	c.PrintPositions(open, domain.ComputeExposure(open), time.Now())

	out := buf.String()
	assert.Contains(t, out, "OPEN POSITIONS (2)")
	assert.Contains(t, out, "Total: $6.00 across 2 positions")
	assert.Contains(t, out, "crypto")
	assert.Contains(t, out, "politics")
}

func TestConsole_PrintPositions_Empty(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)
	c.PrintPositions(nil, domain.ComputeExposure(nil), time.Now())
	assert.Contains(t, buf.String(), "(none)")
	assert.Contains(t, buf.String(), "Total: $0.00")
}

func TestConsole_PrintHistory_SumsPnL(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	win, loss := 1.5, -0.25
	a := makePrediction("A", "x", 1)
	a.Status, a.PnL, a.CloseReason = domain.StatusClosed, &win, domain.ReasonEdgeTooThin
	b := makePrediction("B", "x", 1)
	b.Status, b.PnL, b.CloseReason = domain.StatusClosed, &loss, domain.ReasonEdgeInverted

	c.PrintHistory([]domain.Position{a, b})
	out := buf.String()
	assert.Contains(t, out, "CLOSED POSITIONS (2)")
	assert.Contains(t, out, "+$1.2500")
}

// --- Multi ---

type failingNotifier struct {
	notify.Console
	err error
}

func (f *failingNotifier) PositionOpened(context.Context, domain.Position) error { return f.err }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	m := notify.NewMulti(&failingNotifier{err: boom}, nil, notify.NewConsoleWriter(&buf))
	assert.Equal(t, 2, m.Len())

	err := m.PositionOpened(context.Background(), makePrediction("Q", "", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "OPEN", "the console must still receive the event")
}

// --- Telegram ---

func TestTelegram_SendsMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		got  map[string]any
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := notify.NewTelegram("TOKEN", "42", srv.URL)
	err := tg.PositionClosed(context.Background(), domain.CloseEvent{
		Position: makePrediction("Will BTC hit 100k?", "crypto", 5),
		Reason:   domain.ReasonEdgeTooThin,
		PnL:      -0.2,
		Source:   domain.SourcePoll,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "edge_too_thin")
	assert.Contains(t, got["text"], "-$0.2000")
}

func TestTelegram_APIErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := notify.NewTelegram("TOKEN", "42", srv.URL)
	err := tg.CloseFailed(context.Background(), domain.CloseFailure{Position: makePrediction("Q", "", 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

// --- Events ---

type recordingPublisher struct {
	topics   []string
	payloads []any
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestEvents_PublishesFlatPayloads(t *testing.T) {
	pub := &recordingPublisher{}
	ev := notify.NewEvents(pub)
	pos := makePrediction("Will BTC hit 100k?", "crypto", 5)

	require.NoError(t, ev.PositionClosed(context.Background(), domain.CloseEvent{
		Position: pos, Reason: domain.ReasonEdgeTooThin, PnL: 0.4, Source: domain.SourcePoll,
	}))
	require.NoError(t, ev.CloseFailed(context.Background(), domain.CloseFailure{
		Position: pos, Reason: domain.ReasonTimeout1h, PendingLeg: domain.LegOther, Err: "rejected",
	}))

	require.Equal(t, []string{notify.TopicClosed, notify.TopicCloseFailed}, pub.topics)

	closed, ok := pub.payloads[0].(notify.ClosedEvent)
	require.True(t, ok)
	assert.Equal(t, pos.ID, closed.Position.ID)
	assert.Equal(t, "crypto", closed.Position.Category)
	assert.Equal(t, domain.ReasonEdgeTooThin, closed.Reason)

	raw, err := json.Marshal(pub.payloads[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pending_leg":"other"`)
	assert.Contains(t, string(raw), `"error":"rejected"`)
}
