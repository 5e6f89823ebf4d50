package venue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Paper is an in-memory venue. Positions, fills and cancels are simulated;
// quotes and funding rates come from SetQuote/SetFunding or, when a market
// data source is attached, from the real venue. Used by -dry-run and tests.
type Paper struct {
	name   string
	market ports.ExchangeAdapter // opcional, solo lectura

	mu         sync.Mutex
	positions  map[string]domain.VenuePosition
	quotes     map[string]domain.Quote
	funding    map[string]float64
	closeErr   map[string]error
	queryErr   error
	closes     []domain.CloseOrder
	cancels    []string
	seq        int
	tickerSubs map[string][]chan domain.Quote
	posSubs    []chan []domain.VenuePosition
}

var (
	_ ports.ExchangeAdapter  = (*Paper)(nil)
	_ ports.TickerStreamer   = (*Paper)(nil)
	_ ports.PositionStreamer = (*Paper)(nil)
)

// NewPaper crea un venue simulado vacío.
func NewPaper(name string) *Paper {
	return &Paper{
		name:       name,
		positions:  make(map[string]domain.VenuePosition),
		quotes:     make(map[string]domain.Quote),
		funding:    make(map[string]float64),
		closeErr:   make(map[string]error),
		tickerSubs: make(map[string][]chan domain.Quote),
	}
}

// WithMarketData usa src para quotes y funding que no se hayan fijado a mano.
func (p *Paper) WithMarketData(src ports.ExchangeAdapter) *Paper {
	p.market = src
	return p
}

func (p *Paper) Name() string { return p.name }

// TrackLeg registra una pierna abierta, como si la orden de entrada se hubiera llenado.
func (p *Paper) TrackLeg(leg domain.LegRef) {
	contracts := leg.Quantity
	if contracts == 0 {
		contracts = 1
	}
	p.SetPosition(leg.Symbol, contracts, leg.Side)
}

// SetPosition abre o reemplaza la posición de symbol.
func (p *Paper) SetPosition(symbol string, contracts float64, side string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = domain.VenuePosition{Symbol: symbol, Contracts: contracts, Side: side}
	p.publishPositionsLocked()
}

// RemovePosition simula un cierre del exchange (TP/SL ejecutado, liquidación).
func (p *Paper) RemovePosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
	p.publishPositionsLocked()
}

// SetQuote fija el precio de symbol y lo publica a los streams.
func (p *Paper) SetQuote(q domain.Quote) {
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}
	if q.Last == 0 {
		q.Last = q.Mid()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
	for _, ch := range p.tickerSubs[q.Symbol] {
		select {
		case ch <- q:
		default: // consumidor lento: se pierde el tick, llega el siguiente
		}
	}
}

func (p *Paper) SetFunding(symbol string, rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funding[symbol] = rate
}

// FailClose hace que los cierres de symbol fallen con err. nil lo limpia.
func (p *Paper) FailClose(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.closeErr, symbol)
		return
	}
	p.closeErr[symbol] = err
}

// FailQueries hace fallar HasOpenPosition, Quote y FundingRate. nil lo limpia.
func (p *Paper) FailQueries(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryErr = err
}

// Closes devuelve las órdenes de cierre ejecutadas, en orden.
func (p *Paper) Closes() []domain.CloseOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.closes)
}

// Cancels devuelve los ids de órdenes canceladas, en orden.
func (p *Paper) Cancels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cancels)
}

func (p *Paper) HasOpenPosition(_ context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queryErr != nil {
		return false, fmt.Errorf("paper.HasOpenPosition %s@%s: %w", symbol, p.name, p.queryErr)
	}
	pos, ok := p.positions[symbol]
	return ok && pos.Open(), nil
}

func (p *Paper) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	p.mu.Lock()
	q, ok := p.quotes[symbol]
	err := p.queryErr
	p.mu.Unlock()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("paper.Quote %s@%s: %w", symbol, p.name, err)
	}
	if ok {
		return q, nil
	}
	if p.market != nil {
		return p.market.Quote(ctx, symbol)
	}
	return domain.Quote{}, fmt.Errorf("paper.Quote %s@%s: %w", symbol, p.name, domain.ErrNotFound)
}

func (p *Paper) FundingRate(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	rate, ok := p.funding[symbol]
	err := p.queryErr
	p.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("paper.FundingRate %s@%s: %w", symbol, p.name, err)
	}
	if ok {
		return rate, nil
	}
	if p.market != nil {
		return p.market.FundingRate(ctx, symbol)
	}
	return 0, fmt.Errorf("paper.FundingRate %s@%s: %w", symbol, p.name, domain.ErrNotFound)
}

// ClosePosition llena al bid (ventas) o al ask (compras) del último quote
// conocido y elimina la posición.
func (p *Paper) ClosePosition(ctx context.Context, order domain.CloseOrder) (domain.Fill, error) {
	p.mu.Lock()
	if err := p.closeErr[order.Symbol]; err != nil {
		p.mu.Unlock()
		return domain.Fill{}, fmt.Errorf("paper.ClosePosition %s@%s: %w", order.Symbol, p.name, err)
	}
	q, haveQuote := p.quotes[order.Symbol]
	p.mu.Unlock()

	if !haveQuote && p.market != nil {
		if mq, err := p.market.Quote(ctx, order.Symbol); err == nil {
			q, haveQuote = mq, true
		}
	}

	price := order.Price
	if haveQuote {
		switch {
		case order.Side == "sell" && q.Bid > 0:
			price = q.Bid
		case order.Side == "buy" && q.Ask > 0:
			price = q.Ask
		case q.Last > 0:
			price = q.Last
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.closes = append(p.closes, order)
	delete(p.positions, order.Symbol)
	p.publishPositionsLocked()
	return domain.Fill{
		OrderID: fmt.Sprintf("paper-%s-%d", p.name, p.seq),
		Price:   price,
		Filled:  order.Quantity,
	}, nil
}

func (p *Paper) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, orderID)
	return nil
}

func (p *Paper) WatchTicker(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	ch := make(chan domain.Quote, streamBuffer)
	p.mu.Lock()
	p.tickerSubs[symbol] = append(p.tickerSubs[symbol], ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.tickerSubs[symbol]
		if i := slices.Index(subs, ch); i >= 0 {
			p.tickerSubs[symbol] = slices.Delete(subs, i, i+1)
		}
		close(ch)
	}()
	return ch, nil
}

func (p *Paper) WatchPositions(ctx context.Context) (<-chan []domain.VenuePosition, error) {
	ch := make(chan []domain.VenuePosition, streamBuffer)
	p.mu.Lock()
	p.posSubs = append(p.posSubs, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if i := slices.Index(p.posSubs, ch); i >= 0 {
			p.posSubs = slices.Delete(p.posSubs, i, i+1)
		}
		close(ch)
	}()
	return ch, nil
}

func (p *Paper) publishPositionsLocked() {
	if len(p.posSubs) == 0 {
		return
	}
	snap := make([]domain.VenuePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		snap = append(snap, pos)
	}
	for _, ch := range p.posSubs {
		select {
		case ch <- snap:
		default:
		}
	}
}
