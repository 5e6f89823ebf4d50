package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

const (
	streamReadWait  = 60 * time.Second
	streamPingEvery = 20 * time.Second
	streamWriteWait = 10 * time.Second
	streamBuffer    = 16
)

// WatchTicker streams quotes of symbol. The channel closes when ctx ends or
// the connection drops; the caller decides whether to reconnect.
func (g *Gateway) WatchTicker(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	conn, err := g.dial(ctx, url.Values{"channel": {"ticker"}, "symbol": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("venue.WatchTicker %s@%s: %w", symbol, g.cfg.Name, err)
	}
	out := make(chan domain.Quote, streamBuffer)
	go func() {
		defer close(out)
		g.pump(ctx, conn, func(m streamMessage) bool {
			if m.Ticker == nil {
				return true
			}
			if m.Ticker.Symbol == "" {
				m.Ticker.Symbol = symbol
			}
			select {
			case out <- toQuote(*m.Ticker):
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

// WatchPositions streams full snapshots of the open venue positions.
func (g *Gateway) WatchPositions(ctx context.Context) (<-chan []domain.VenuePosition, error) {
	conn, err := g.dial(ctx, url.Values{"channel": {"positions"}})
	if err != nil {
		return nil, fmt.Errorf("venue.WatchPositions %s: %w", g.cfg.Name, err)
	}
	out := make(chan []domain.VenuePosition, streamBuffer)
	go func() {
		defer close(out)
		g.pump(ctx, conn, func(m streamMessage) bool {
			if m.Channel != "positions" {
				return true
			}
			snap := make([]domain.VenuePosition, 0, len(m.Positions))
			for _, p := range m.Positions {
				snap = append(snap, toVenuePosition(p))
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

func (g *Gateway) dial(ctx context.Context, q url.Values) (*websocket.Conn, error) {
	if g.cfg.StreamURL == "" {
		return nil, domain.ErrNotSupported
	}
	var header http.Header
	if g.cfg.APIKey != "" {
		header = http.Header{"X-Api-Key": {g.cfg.APIKey}}
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.cfg.StreamURL+"?"+q.Encode(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pump reads messages until ctx ends, the connection fails or handle
// returns false. Pings keep idle connections alive through proxies.
func (g *Gateway) pump(ctx context.Context, conn *websocket.Conn, handle func(streamMessage) bool) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadWait))
	})
	go func() {
		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(streamWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		var m streamMessage
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() == nil {
				slog.Warn("venue stream closed", "venue", g.cfg.Name, "err", err)
			}
			return
		}
		if !handle(m) {
			return
		}
	}
}
