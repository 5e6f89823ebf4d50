package estimator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/estimator"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

func TestReestimate_SendsContextAndParses(t *testing.T) {
	var got domain.MarketContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reestimate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"probability":0.64,"recommended_side":"yes","confidence":"medium","edge":0.0}`))
	}))
	defer srv.Close()

	c := estimator.New(estimator.Config{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: 5 * time.Second})
	est, err := c.Reestimate(context.Background(), domain.MarketContext{
		MarketID: "0xabc", Question: "Will it rain?", HeldSide: domain.SideYes, CurrentPrice: 0.64, EntryProb: 0.65,
	})
	require.NoError(t, err)

	assert.Equal(t, "0xabc", got.MarketID)
	assert.InDelta(t, 0.64, got.CurrentPrice, 1e-9)
	assert.InDelta(t, 0.64, est.Probability, 1e-9)
	assert.Equal(t, domain.SideYes, est.RecommendedSide)
	assert.Equal(t, "medium", est.Confidence)
}

func TestReestimate_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"research timeout"}`))
	}))
	defer srv.Close()

	c := estimator.New(estimator.Config{BaseURL: srv.URL})
	_, err := c.Reestimate(context.Background(), domain.MarketContext{MarketID: "0xabc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research timeout")
}

func TestReestimate_RejectsOutOfRangeProbability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"probability":1.7}`))
	}))
	defer srv.Close()

	c := estimator.New(estimator.Config{BaseURL: srv.URL})
	_, err := c.Reestimate(context.Background(), domain.MarketContext{MarketID: "0xabc"})
	require.Error(t, err)
}

func TestReestimate_BadRequestNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := estimator.New(estimator.Config{BaseURL: srv.URL})
	_, err := c.Reestimate(context.Background(), domain.MarketContext{MarketID: "0xabc"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
