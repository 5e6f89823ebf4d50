package polymarket

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyagent/internal/adapters/httpx"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"

	// Rate limits al 60% de los límites reales documentados.
	// CLOB /books: 500/10s → 300/10s → 30/s
	booksRatePerSec = 30
	// CLOB general (midpoint, orders, ...): 9000/10s → 5400/10s → 540/s
	generalRatePerSec = 540
)

// Client es el HTTP client público del CLOB de Polymarket.
type Client struct {
	http         *httpx.Client
	clobBase     string
	clobLimiter  *rate.Limiter
	booksLimiter *rate.Limiter
}

// NewClient crea un Client. Si clobBase está vacío usa el URL de producción.
func NewClient(clobBase string) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	return &Client{
		http:         httpx.New(10 * time.Second),
		clobBase:     clobBase,
		clobLimiter:  rate.NewLimiter(generalRatePerSec, 50),
		booksLimiter: rate.NewLimiter(booksRatePerSec, 5),
	}
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.http.Get(ctx, limiter, url, out)
}

// post hace un POST JSON con rate limiting y retries.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, url string, body, out any) error {
	return c.http.Send(ctx, limiter, http.MethodPost, url, body, out)
}
