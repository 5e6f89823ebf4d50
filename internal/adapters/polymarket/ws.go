package polymarket

// ws.go: feed del canal market del CLOB.
//
// Un Run = una conexión. El caller (watcher) reconecta con backoff; las
// suscripciones viven en el feed y se reenvían al reconectar.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyagent/internal/ports"
)

const (
	defaultMarketWS = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	wsPingPeriod = 10 * time.Second
	wsWriteWait  = 10 * time.Second
	wsReadWait   = 60 * time.Second
)

// MarketFeed implements ports.MarketFeed over the CLOB market WebSocket.
type MarketFeed struct {
	url        string
	dialer     websocket.Dialer
	pingPeriod time.Duration

	mu   sync.Mutex // protege subs y conn; también serializa escrituras
	subs map[string]struct{}
	conn *websocket.Conn
}

var _ ports.MarketFeed = (*MarketFeed)(nil)

// NewMarketFeed crea el feed. wsURL vacío usa el endpoint de producción.
func NewMarketFeed(wsURL string) *MarketFeed {
	if wsURL == "" {
		wsURL = defaultMarketWS
	}
	return &MarketFeed{
		url:        wsURL,
		dialer:     websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		pingPeriod: wsPingPeriod,
		subs:       make(map[string]struct{}),
	}
}

// Run connects, subscribes to the current token set and forwards ticks until
// ctx is cancelled (nil) or the connection drops (error).
func (f *MarketFeed) Run(ctx context.Context, ticks chan<- ports.MarketTick) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("polymarket.MarketFeed: dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	initial := wsSubscribe{AssetsIDs: f.subscribedLocked(), Type: "market"}
	err = f.writeLocked(initial)
	f.mu.Unlock()
	if err != nil {
		f.drop(conn)
		return fmt.Errorf("polymarket.MarketFeed: subscribe: %w", err)
	}
	slog.Info("market feed connected", "tokens", len(initial.AssetsIDs))

	done := make(chan struct{})
	defer close(done)
	go f.keepAlive(ctx, conn, done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.drop(conn)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("polymarket.MarketFeed: read: %w", err)
		}

		events, err := decodeEvents(msg)
		if err != nil {
			slog.Debug("market feed: undecodable message", "err", err, "msg", string(msg))
			continue
		}
		now := time.Now().UTC()
		for _, ev := range events {
			for _, t := range mapEvent(ev, now) {
				select {
				case ticks <- t:
				case <-ctx.Done():
					f.drop(conn)
					return nil
				}
			}
		}
	}
}

// keepAlive manda PING de texto (el CLOB no responde a ping frames) y
// cierra la conexión cuando ctx termina para desbloquear ReadMessage.
func (f *MarketFeed) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			f.drop(conn)
			return
		case <-ticker.C:
			f.mu.Lock()
			var err error
			if f.conn == conn {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err = conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			}
			f.mu.Unlock()
			if err != nil {
				slog.Warn("market feed ping failed", "err", err)
				f.drop(conn)
				return
			}
		}
	}
}

// Subscribe adds tokens. If connected, the change is sent immediately.
func (f *MarketFeed) Subscribe(tokenIDs ...string) {
	f.update("subscribe", tokenIDs, func(id string) bool {
		if _, ok := f.subs[id]; ok {
			return false
		}
		f.subs[id] = struct{}{}
		return true
	})
}

// Unsubscribe removes tokens.
func (f *MarketFeed) Unsubscribe(tokenIDs ...string) {
	f.update("unsubscribe", tokenIDs, func(id string) bool {
		if _, ok := f.subs[id]; !ok {
			return false
		}
		delete(f.subs, id)
		return true
	})
}

// Subscribed returns the current token set, sorted.
func (f *MarketFeed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribedLocked()
}

func (f *MarketFeed) update(op string, tokenIDs []string, apply func(string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id != "" && apply(id) {
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 || f.conn == nil {
		return
	}
	if err := f.writeLocked(wsUpdate{AssetsIDs: changed, Operation: op}); err != nil {
		// la conexión caerá en el read loop y el Run siguiente resuscribe todo
		slog.Warn("market feed update failed", "op", op, "tokens", len(changed), "err", err)
	}
}

func (f *MarketFeed) subscribedLocked() []string {
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (f *MarketFeed) writeLocked(v any) error {
	_ = f.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return f.conn.WriteJSON(v)
}

// drop cierra conn si sigue siendo la conexión activa.
func (f *MarketFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.mu.Unlock()
	_ = conn.Close()
}

// decodeEvents acepta un evento suelto o un array de eventos. "PONG" y
// demás mensajes de control devuelven nil.
func decodeEvents(msg []byte) ([]wsEvent, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || bytes.Equal(msg, []byte("PONG")) {
		return nil, nil
	}
	switch msg[0] {
	case '[':
		var evs []wsEvent
		if err := json.Unmarshal(msg, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	case '{':
		var ev wsEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, err
		}
		return []wsEvent{ev}, nil
	}
	return nil, errors.New("not a json event")
}
