package polymarket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

func TestFetchOrderBooks_Batch(t *testing.T) {
	data, err := os.ReadFile("../../../testdata/fixtures/clob_orderbooks_batch.json")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/books", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	defer srv.Close()

	client := polymarket.NewClient(srv.URL)
	books, err := client.FetchOrderBooks(context.Background(), []string{"token_yes_001", "token_no_001"})

	require.NoError(t, err)
	require.Len(t, books, 2)

	yesBook := books["token_yes_001"]
	assert.InDelta(t, 0.70, yesBook.BestBid(), 0.001, "bids ordenados mayor a menor")
	assert.InDelta(t, 0.72, yesBook.BestAsk(), 0.001, "asks ordenados menor a mayor")
	assert.InDelta(t, 0.71, yesBook.Midpoint(), 0.001)

	noBook := books["token_no_001"]
	assert.Len(t, noBook.Bids, 1, "niveles con precio cero se descartan")
	assert.InDelta(t, 0.29, noBook.BestAsk(), 0.001)
}

func TestFetchOrderBooks_BatchSplitting(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()

	tokenIDs := make([]string, 25)
	for i := range tokenIDs {
		tokenIDs[i] = "token_" + string(rune('a'+i))
	}

	_, err := polymarket.NewClient(srv.URL).FetchOrderBooks(context.Background(), tokenIDs)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "25 tokens → batch de 20 + batch de 5")
}

func TestQuote_FromBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/books", r.URL.Path)
		w.Write([]byte(`[{"asset_id":"tok","bids":[{"price":"0.60","size":"10"}],"asks":[{"price":"0.62","size":"10"}]}]`))
	}))
	defer srv.Close()

	q, err := polymarket.NewClient(srv.URL).Quote(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", q.Symbol)
	assert.InDelta(t, 0.60, q.Bid, 1e-9)
	assert.InDelta(t, 0.62, q.Ask, 1e-9)
	assert.InDelta(t, 0.61, q.Last, 1e-9)
}

func TestQuote_OneSidedBookFallsBackToMidpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/books":
			w.Write([]byte(`[{"asset_id":"tok","bids":[{"price":"0.40","size":"10"}],"asks":[]}]`))
		case "/midpoint":
			assert.Equal(t, "tok", r.URL.Query().Get("token_id"))
			w.Write([]byte(`{"mid":"0.455"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	q, err := polymarket.NewClient(srv.URL).Quote(context.Background(), "tok")
	require.NoError(t, err)
	assert.InDelta(t, 0.40, q.Bid, 1e-9)
	assert.Zero(t, q.Ask)
	assert.InDelta(t, 0.455, q.Last, 1e-9)
}

func TestFetchOrderBooks_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := polymarket.NewClient(srv.URL).FetchOrderBooks(context.Background(), []string{"x"})
	assert.Error(t, err)
}

// --- Venue ---

type fakeBalances map[string]float64

func (f fakeBalances) TokenBalance(_ context.Context, tokenID string) (float64, error) {
	return f[tokenID], nil
}

func TestVenue_HasOpenPosition(t *testing.T) {
	auth, err := polymarket.NewAuthClient("http://unused", testKey)
	require.NoError(t, err)
	v := polymarket.NewVenue(auth, fakeBalances{"held": 13.5, "dust": 0.004}, 0)

	ok, err := v.HasOpenPosition(context.Background(), "held")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.HasOpenPosition(context.Background(), "dust")
	require.NoError(t, err)
	assert.False(t, ok, "restos de redondeo no cuentan como posición")

	ok, err = v.HasOpenPosition(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVenue_UnsupportedOperations(t *testing.T) {
	auth, err := polymarket.NewAuthClient("http://unused", testKey)
	require.NoError(t, err)
	v := polymarket.NewVenue(auth, nil, 0)

	_, err = v.HasOpenPosition(context.Background(), "tok")
	assert.ErrorIs(t, err, domain.ErrNotSupported)

	_, err = v.FundingRate(context.Background(), "tok")
	assert.ErrorIs(t, err, domain.ErrNotSupported)

	_, err = v.ClosePosition(context.Background(), domain.CloseOrder{Symbol: "tok", Side: "buy", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}

// testKey es una clave de prueba sin fondos.
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
