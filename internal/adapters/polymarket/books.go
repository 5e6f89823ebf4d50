package polymarket

// books.go: precios del CLOB.
//
// FetchOrderBooks lanza un goroutine por batch; el rate limiter de /books
// controla el ritmo, así que no hace falta semáforo explícito.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

const (
	booksPath    = "/books"
	midpointPath = "/midpoint"
	negRiskPath  = "/neg-risk"
	batchSize    = 20 // máx token_ids por request a /books
)

// FetchOrderBooks obtiene los orderbooks de los token_ids dados usando el endpoint batch.
func (c *Client) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	if len(tokenIDs) == 0 {
		return map[string]domain.OrderBook{}, nil
	}

	batches := splitBatches(tokenIDs, batchSize)

	type batchResult struct {
		books map[string]domain.OrderBook
		err   error
		idx   int
	}

	resultCh := make(chan batchResult, len(batches))
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			books, err := c.fetchBooksBatch(ctx, batch)
			resultCh <- batchResult{books: books, err: err, idx: i}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	result := make(map[string]domain.OrderBook, len(tokenIDs))
	var firstErr error
	for r := range resultCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clob.FetchOrderBooks batch %d: %w", r.idx, r.err)
			}
			continue
		}
		for k, v := range r.books {
			result[k] = v
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	slog.Debug("order books fetched", "tokens", len(tokenIDs), "books", len(result))
	return result, nil
}

// Quote devuelve bid/ask del mejor nivel del book. Si el book no tiene los
// dos lados, Last cae al midpoint publicado por el CLOB.
func (c *Client) Quote(ctx context.Context, tokenID string) (domain.Quote, error) {
	books, err := c.FetchOrderBooks(ctx, []string{tokenID})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("clob.Quote %s: %w", tokenID, err)
	}
	q := domain.QuoteFromBook(books[tokenID])
	q.Symbol = tokenID
	if q.Bid > 0 && q.Ask > 0 {
		return q, nil
	}

	mid, err := c.FetchMidpoint(ctx, tokenID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("clob.Quote %s: %w", tokenID, err)
	}
	q.Last = mid
	return q, nil
}

// FetchMidpoint devuelve el midpoint publicado para un token.
func (c *Client) FetchMidpoint(ctx context.Context, tokenID string) (float64, error) {
	u := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, midpointPath, url.QueryEscape(tokenID))
	var resp midpointResponse
	if err := c.get(ctx, c.clobLimiter, u, &resp); err != nil {
		return 0, fmt.Errorf("clob.FetchMidpoint: %w", err)
	}
	return domain.ParsePrice(resp.Mid), nil
}

// IsNegRisk consulta si el token se opera a través del NegRisk adapter.
func (c *Client) IsNegRisk(ctx context.Context, tokenID string) (bool, error) {
	u := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, negRiskPath, url.QueryEscape(tokenID))
	var resp negRiskResponse
	if err := c.get(ctx, c.clobLimiter, u, &resp); err != nil {
		return false, fmt.Errorf("clob.IsNegRisk: %w", err)
	}
	return resp.NegRisk, nil
}

// splitBatches divide tokenIDs en slices de tamaño máximo size.
func splitBatches(tokenIDs []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	batches := make([][]string, 0, (len(tokenIDs)+size-1)/size)
	for i := 0; i < len(tokenIDs); i += size {
		end := min(i+size, len(tokenIDs))
		batches = append(batches, tokenIDs[i:end])
	}
	return batches
}

// fetchBooksBatch hace un POST /books para un batch de token_ids.
func (c *Client) fetchBooksBatch(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	body := make([]orderBookRequest, len(tokenIDs))
	for i, id := range tokenIDs {
		body[i] = orderBookRequest{TokenID: id}
	}

	var resp []orderBookResponse
	if err := c.post(ctx, c.booksLimiter, c.clobBase+booksPath, body, &resp); err != nil {
		return nil, fmt.Errorf("POST /books: %w", err)
	}
	return mapOrderBooks(resp), nil
}
