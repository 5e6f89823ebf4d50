// Package estimator is the HTTP client of the re-estimation service that
// re-prices prediction markets (research plus probability model).
package estimator

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

// Config of the estimator client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // a research + model call takes tens of seconds
	RatePerMin int           // 0 = 6/min
}

// Client implements ports.Reestimator over POST /v1/reestimate.
type Client struct {
	base    string
	http    *httpx.Client
	limiter *rate.Limiter
}

var _ ports.Reestimator = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 6
	}
	c := httpx.New(cfg.Timeout)
	// calls are billed; a failed one is retried on the next trigger instead
	c.MaxRetries = 1
	if cfg.APIKey != "" {
		c.Header = http.Header{"Authorization": []string{"Bearer " + cfg.APIKey}}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    c,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), 1),
	}
}

type reestimateResponse struct {
	Probability     float64 `json:"probability"`
	RecommendedSide string  `json:"recommended_side"`
	Confidence      string  `json:"confidence"`
	Edge            float64 `json:"edge"`
	Error           string  `json:"error,omitempty"`
}

// Reestimate asks the service for a fresh P(YES) of the market in mc.
func (c *Client) Reestimate(ctx context.Context, mc domain.MarketContext) (domain.Estimate, error) {
	var resp reestimateResponse
	if err := c.http.Send(ctx, c.limiter, http.MethodPost, c.base+"/v1/reestimate", mc, &resp); err != nil {
		return domain.Estimate{}, fmt.Errorf("estimator.Reestimate: %s: %w", mc.MarketID, err)
	}
	if resp.Error != "" {
		return domain.Estimate{}, fmt.Errorf("estimator.Reestimate: %s: %s", mc.MarketID, resp.Error)
	}
	if resp.Probability < 0 || resp.Probability > 1 {
		return domain.Estimate{}, fmt.Errorf("estimator.Reestimate: %s: probability %.4f out of range", mc.MarketID, resp.Probability)
	}
	return domain.Estimate{
		Probability:     resp.Probability,
		RecommendedSide: strings.ToUpper(resp.RecommendedSide),
		Confidence:      resp.Confidence,
		Edge:            resp.Edge,
	}, nil
}
