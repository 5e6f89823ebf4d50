// Package httpx is the JSON-over-HTTP transport shared by the venue,
// Polymarket and estimator adapters: token-bucket rate limiting plus
// exponential backoff on network errors, 429 and 5xx.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryWait  = 500 * time.Millisecond
)

// StatusError is a 4xx answer. It is never retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client hace requests JSON con rate limiting y retries.
type Client struct {
	HTTP       *http.Client
	MaxRetries int
	RetryWait  time.Duration
	Header     http.Header // se agrega a cada request (API keys, etc.)
}

// New crea un Client con el timeout dado por request.
func New(timeout time.Duration) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: DefaultMaxRetries,
		RetryWait:  DefaultRetryWait,
	}
}

// Get hace un GET y decodifica la respuesta JSON en out.
func (c *Client) Get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.Do(ctx, limiter, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// Send hace un request con body JSON (POST, DELETE, ...). body y out pueden ser nil.
func (c *Client) Send(ctx context.Context, limiter *rate.Limiter, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = b
	}
	return c.Do(ctx, limiter, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// Do ejecuta build+send con backoff exponencial. build se llama en cada
// intento, así los headers firmados con timestamp siempre están frescos.
func (c *Client) Do(ctx context.Context, limiter *rate.Limiter, build func(context.Context) (*http.Request, error), out any) error {
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		for k, vs := range c.Header {
			req.Header[k] = vs
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if attempt == c.MaxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by API", "url", req.URL.Path, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == c.MaxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, c.MaxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &StatusError{Code: resp.StatusCode, Body: string(body)}
		}

		defer resp.Body.Close()
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", c.MaxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.RetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
