package rates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/models"
)

func newRemote(t *testing.T, handler http.HandlerFunc) (*RemoteHTTPProvider, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	p, err := NewRemoteHTTPProvider(srv.URL+"/latest", nil, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	return p, &hits
}

func TestRemoteHTTPProvider_ResponseShapes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantRate string
		wantAsOf time.Time
		wantErr  bool
	}{
		{
			name:     "rates map",
			body:     `{"base":"USD","rates":{"INR":83.12,"EUR":0.92},"date":"2025-01-31"}`,
			wantRate: "83.12",
			wantAsOf: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "single pair",
			body:     `{"pair":"usd/inr","rate":"83.5","asOf":"2025-01-31T10:00:00Z"}`,
			wantRate: "83.5",
			wantAsOf: time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC),
		},
		{name: "quote missing", body: `{"base":"USD","rates":{"EUR":0.92}}`, wantErr: true},
		{name: "wrong base", body: `{"base":"EUR","rates":{"INR":90}}`, wantErr: true},
		{name: "wrong pair", body: `{"pair":"EUR/INR","rate":90}`, wantErr: true},
		{name: "non positive", body: `{"pair":"USD/INR","rate":0}`, wantErr: true},
		{name: "empty object", body: `{}`, wantErr: true},
		{name: "not json", body: `<html>`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, hits := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "USD", r.URL.Query().Get("base"))
				assert.Equal(t, "INR", r.URL.Query().Get("symbols"))
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.body)
			})

			rate, err := p.Fetch(context.Background(), models.NewPair("USD", "INR"))
			if tt.wantErr {
				require.Error(t, err)
				assert.EqualValues(t, 1, atomic.LoadInt32(hits), "decode errors are not retried")
				return
			}
			require.NoError(t, err)
			assert.True(t, rate.Value.Equal(decimal.RequireFromString(tt.wantRate)))
			assert.Equal(t, tt.wantAsOf, rate.AsOf)
			assert.Equal(t, p.Name(), rate.Source)
		})
	}
}

func TestRemoteHTTPProvider_RetriesServerErrors(t *testing.T) {
	var calls int32
	p, hits := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"pair":"USD/INR","rate":83}`)
	})

	rate, err := p.Fetch(context.Background(), models.NewPair("USD", "INR"))
	require.NoError(t, err)
	assert.Equal(t, "83", rate.Value.String())
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
}

func TestRemoteHTTPProvider_GivesUpAfterAttempts(t *testing.T) {
	p, hits := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.Fetch(context.Background(), models.NewPair("USD", "INR"))
	require.Error(t, err)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
}

func TestRemoteHTTPProvider_DoesNotRetryClientErrors(t *testing.T) {
	p, hits := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := p.Fetch(context.Background(), models.NewPair("USD", "INR"))
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestRemoteHTTPProvider_HonoursContext(t *testing.T) {
	p, _ := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Fetch(ctx, models.NewPair("USD", "INR"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewRemoteHTTPProvider_InvalidURL(t *testing.T) {
	_, err := NewRemoteHTTPProvider("not a url", nil)
	require.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	p, err := NewStaticProvider()
	require.NoError(t, err)
	ctx := context.Background()

	rate, err := p.Fetch(ctx, models.NewPair("USD", "INR"))
	require.NoError(t, err)
	assert.Equal(t, "85.74", rate.Value.String())
	assert.Equal(t, StaticSource, rate.Source)

	cross, err := p.Fetch(ctx, models.NewPair("EUR", "INR"))
	require.NoError(t, err)
	assert.True(t, cross.Value.GreaterThan(rate.Value), "one euro buys more rupees than one dollar")

	_, err = p.Fetch(ctx, models.NewPair("USD", "XAU"))
	assert.ErrorIs(t, err, ErrPairNotSupported)
}

func TestParseStaticTable_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no base", "rates: {INR: '80'}"},
		{"bad number", "base: USD\nrates: {INR: 'abc'}"},
		{"negative", "base: USD\nrates: {INR: '-1'}"},
		{"not yaml", "base: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStaticTable([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestFallbackProvider(t *testing.T) {
	failing := newFakeProvider(nil)
	failing.fail(errors.New("down"))
	working := newFakeProvider(map[string]string{"USD/INR": "83"})

	chain := NewFallbackProvider(failing, nil, working)
	assert.Equal(t, "fake,fake", chain.Name())

	rate, err := chain.Fetch(context.Background(), models.NewPair("USD", "INR"))
	require.NoError(t, err)
	assert.Equal(t, "83", rate.Value.String())
	assert.Equal(t, 1, failing.Calls())

	_, err = chain.Fetch(context.Background(), models.NewPair("USD", "EUR"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPairNotSupported)
	assert.Contains(t, err.Error(), "down")

	_, err = NewFallbackProvider().Fetch(context.Background(), models.NewPair("USD", "EUR"))
	assert.ErrorIs(t, err, ErrPairNotSupported)
}
