package venue_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/venue"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

func newGateway(t *testing.T, h http.HandlerFunc) *venue.Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return venue.NewGateway(venue.GatewayConfig{
		Name:      "binance",
		BaseURL:   srv.URL + "/v1/binance/",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/binance/ws",
		APIKey:    "k",
	})
}

func TestGateway_HasOpenPosition(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/binance/positions", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		switch r.URL.Query().Get("symbol") {
		case "SEI/USDT:USDT":
			w.Write([]byte(`[{"symbol":"SEI/USDT:USDT","contracts":-120,"side":"short"}]`))
		case "ZERO":
			w.Write([]byte(`[{"symbol":"ZERO","contracts":0}]`))
		default:
			w.Write([]byte(`[]`))
		}
	})

	ok, err := g.HasOpenPosition(context.Background(), "SEI/USDT:USDT")
	require.NoError(t, err)
	assert.True(t, ok, "los shorts reportan contratos negativos")

	ok, err = g.HasOpenPosition(context.Background(), "ZERO")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.HasOpenPosition(context.Background(), "GONE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateway_QueryErrorIsNotAbsence(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad auth", http.StatusUnauthorized)
	})
	_, err := g.HasOpenPosition(context.Background(), "X")
	assert.Error(t, err)
}

func TestGateway_QuoteAndFunding(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/binance/ticker":
			w.Write([]byte(`{"symbol":"ETH/USDT","bid":1000.5,"ask":1001.5,"last":0}`))
		case "/v1/binance/funding":
			w.Write([]byte(`{"symbol":"ETH/USDT","funding_rate":-0.0003}`))
		}
	})

	q, err := g.Quote(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 1000.5, q.Bid)
	assert.Equal(t, 1001.0, q.Last, "sin last usa el mid")

	rate, err := g.FundingRate(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, -0.0003, rate)
}

func TestGateway_ClosePosition(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "buy", body["side"])
		assert.Equal(t, "market", body["type"])
		assert.Equal(t, true, body["reduce_only"])
		assert.Equal(t, "close-p1-SEI", body["client_order_id"])
		w.Write([]byte(`{"id":"o-9","status":"closed","average":0.4012,"filled":120}`))
	})

	fill, err := g.ClosePosition(context.Background(), domain.CloseOrder{
		PositionID: "p1", Symbol: "SEI", Side: "buy", Quantity: 120, Price: 0.4, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "o-9", fill.OrderID)
	assert.Equal(t, 0.4012, fill.Price)
	assert.Equal(t, 120.0, fill.Filled)
}

func TestGateway_ClosePositionRejected(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"o-1","status":"rejected"}`))
	})
	_, err := g.ClosePosition(context.Background(), domain.CloseOrder{Symbol: "X", Side: "sell", Quantity: 1})
	assert.ErrorContains(t, err, "rejected")
}

func TestGateway_CancelMissingOrderIsDone(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/binance/orders/sl-1", r.URL.Path)
		http.NotFound(w, r)
	})
	assert.NoError(t, g.CancelOrder(context.Background(), "SEI", "sl-1"))
}

// --- streams ---

func TestGateway_WatchTicker(t *testing.T) {
	up := websocket.Upgrader{}
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ticker", r.URL.Query().Get("channel"))
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.WriteJSON(map[string]any{"channel": "ticker", "ticker": map[string]any{"bid": 10, "ask": 12}})
		conn.WriteJSON(map[string]any{"channel": "ticker", "ticker": map[string]any{"bid": 11, "ask": 13, "last": 12.5}})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := g.WatchTicker(ctx, "ETH/USDT")
	require.NoError(t, err)

	var got []domain.Quote
	for q := range ch {
		got = append(got, q)
	}
	require.Len(t, got, 2, "el canal se cierra cuando el server corta")
	assert.Equal(t, "ETH/USDT", got[0].Symbol)
	assert.Equal(t, 11.0, got[0].Last)
	assert.Equal(t, 12.5, got[1].Last)
}

func TestGateway_WatchPositions(t *testing.T) {
	up := websocket.Upgrader{}
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.WriteJSON(map[string]any{"channel": "positions", "positions": []map[string]any{{"symbol": "SEI", "contracts": 5}}})
		time.Sleep(50 * time.Millisecond)
	})

	ch, err := g.WatchPositions(context.Background())
	require.NoError(t, err)
	snap := <-ch
	require.Len(t, snap, 1)
	assert.Equal(t, "SEI", snap[0].Symbol)
}

func TestGateway_NoStreamURL(t *testing.T) {
	g := venue.NewGateway(venue.GatewayConfig{Name: "okx", BaseURL: "http://unused"})
	_, err := g.WatchTicker(context.Background(), "X")
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}
