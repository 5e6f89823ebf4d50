// Package venue holds the crypto exchange adapters: an HTTP/WebSocket client
// for the exchange gateway service and an in-memory paper venue used in
// dry-run mode and tests.
package venue

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyagent/internal/adapters/httpx"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// GatewayConfig configura un venue servido por el gateway.
type GatewayConfig struct {
	Name       string
	BaseURL    string // http://gateway:8080/v1/binance
	StreamURL  string // ws://gateway:8080/v1/binance/ws; vacío = sin streams
	APIKey     string
	RatePerSec float64
	Timeout    time.Duration
}

// Gateway implements ports.ExchangeAdapter over the exchange gateway REST API.
type Gateway struct {
	cfg     GatewayConfig
	http    *httpx.Client
	limiter *rate.Limiter
}

var (
	_ ports.ExchangeAdapter  = (*Gateway)(nil)
	_ ports.TickerStreamer   = (*Gateway)(nil)
	_ ports.PositionStreamer = (*Gateway)(nil)
)

// NewGateway crea el adapter. RatePerSec 0 usa 10 req/s.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := httpx.New(cfg.Timeout)
	if cfg.APIKey != "" {
		client.Header = http.Header{"X-Api-Key": {cfg.APIKey}}
	}
	return &Gateway{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
	}
}

func (g *Gateway) Name() string { return g.cfg.Name }

// HasOpenPosition reports whether the venue holds a non-zero position in symbol.
func (g *Gateway) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	var ps []positionDTO
	if err := g.get(ctx, "/positions", url.Values{"symbol": {symbol}}, &ps); err != nil {
		return false, fmt.Errorf("venue.HasOpenPosition %s@%s: %w", symbol, g.cfg.Name, err)
	}
	for _, p := range ps {
		if p.Symbol == symbol && toVenuePosition(p).Open() {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	var t tickerDTO
	if err := g.get(ctx, "/ticker", url.Values{"symbol": {symbol}}, &t); err != nil {
		return domain.Quote{}, fmt.Errorf("venue.Quote %s@%s: %w", symbol, g.cfg.Name, err)
	}
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	return toQuote(t), nil
}

func (g *Gateway) FundingRate(ctx context.Context, symbol string) (float64, error) {
	var f fundingDTO
	if err := g.get(ctx, "/funding", url.Values{"symbol": {symbol}}, &f); err != nil {
		return 0, fmt.Errorf("venue.FundingRate %s@%s: %w", symbol, g.cfg.Name, err)
	}
	return f.Rate, nil
}

// ClosePosition manda una orden market reduce-only. El client order id
// deriva del id de la posición, así un reintento no abre una segunda orden
// si el gateway ya aceptó la primera.
func (g *Gateway) ClosePosition(ctx context.Context, order domain.CloseOrder) (domain.Fill, error) {
	req := orderRequest{
		ClientID:   closeClientID(order),
		Symbol:     order.Symbol,
		Side:       order.Side,
		Type:       "market",
		Amount:     order.Quantity,
		ReduceOnly: order.ReduceOnly,
	}
	var resp orderResponse
	if err := g.http.Send(ctx, g.limiter, http.MethodPost, g.cfg.BaseURL+"/orders", req, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("venue.ClosePosition %s@%s: %w", order.Symbol, g.cfg.Name, err)
	}
	if strings.EqualFold(resp.Status, "rejected") || strings.EqualFold(resp.Status, "canceled") {
		return domain.Fill{}, fmt.Errorf("venue.ClosePosition %s@%s: order %s %s", order.Symbol, g.cfg.Name, resp.ID, resp.Status)
	}

	price := resp.Average
	if price == 0 {
		price = resp.Price
	}
	if price == 0 {
		price = order.Price
	}
	filled := resp.Filled
	if filled == 0 {
		filled = order.Quantity
	}
	return domain.Fill{OrderID: resp.ID, Price: price, Filled: filled}, nil
}

// CancelOrder cancela una orden. Una orden que ya no existe (ejecutada o
// cancelada) no es un error: el objetivo ya se cumplió.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	u := fmt.Sprintf("%s/orders/%s?symbol=%s", g.cfg.BaseURL, url.PathEscape(orderID), url.QueryEscape(symbol))
	err := g.http.Send(ctx, g.limiter, http.MethodDelete, u, nil, nil)
	if httpx.IsStatus(err, http.StatusNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("venue.CancelOrder %s@%s: %w", orderID, g.cfg.Name, err)
	}
	return nil
}

func (g *Gateway) get(ctx context.Context, path string, q url.Values, out any) error {
	u := g.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return g.http.Get(ctx, g.limiter, u, out)
}

func closeClientID(o domain.CloseOrder) string {
	if o.PositionID == "" {
		return ""
	}
	id := "close-" + o.PositionID + "-" + o.Symbol
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}

func toQuote(t tickerDTO) domain.Quote {
	q := domain.Quote{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last, At: time.Now().UTC()}
	if t.Time > 0 {
		q.At = time.UnixMilli(t.Time).UTC()
	}
	if q.Last == 0 {
		q.Last = q.Mid()
	}
	return q
}

func toVenuePosition(p positionDTO) domain.VenuePosition {
	return domain.VenuePosition{Symbol: p.Symbol, Contracts: p.Contracts, Side: p.Side}
}
