package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-topup/utils"
)

func TestAiraloPackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/sims/8944500000000000001/topups", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"id":"pkg-1gb-7d-topup","title":"1 GB - 7 days","price":4.5,"amount":1024,"day":7,"data":"1 GB"}]}`))
	}))
	defer srv.Close()

	a := NewAiralo(srv.URL+"/v2", "secret", time.Second, nil)
	pkgs, err := a.Packages(context.Background(), "8944500000000000001")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "pkg-1gb-7d-topup", pkgs[0].ID)
	assert.Equal(t, "4.5", pkgs[0].Price.String())
	assert.Equal(t, 7, pkgs[0].Day)
}

func TestAiraloStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "invalid iccid",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrPermanent)
				assert.Contains(t, err.Error(), "invalid ICCID")
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrPermanent)
			},
		},
		{
			name:   "rate limited with header",
			status: http.StatusTooManyRequests,
			header: "30",
			check: func(t *testing.T, err error) {
				var tooMany *TooManyRequestsError
				require.True(t, errors.As(err, &tooMany))
				assert.Equal(t, 30*time.Second, tooMany.RetryAfter)
				assert.ErrorIs(t, err, ErrTransient)
			},
		},
		{
			name:   "rate limited default",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var tooMany *TooManyRequestsError
				require.True(t, errors.As(err, &tooMany))
				assert.Equal(t, 900*time.Second, tooMany.RetryAfter)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransient)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			a := NewAiralo(srv.URL, "k", time.Second, nil)
			_, err := a.Packages(context.Background(), "123")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestAiraloPurchaseTopup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/topups", r.URL.Path)
		assert.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pkg-1", r.PostForm.Get("package_id"))
		assert.Equal(t, "8944", r.PostForm.Get("iccid"))
		assert.Equal(t, Description("order-1"), r.PostForm.Get("description"))
		w.Write([]byte(`{"data":{"id":991,"code":"20260301-000991","package_id":"pkg-1"}}`))
	}))
	defer srv.Close()

	a := NewAiralo(srv.URL, "k", time.Second, nil)
	conf, err := a.PurchaseTopup(context.Background(), TopupRequest{PackageID: "pkg-1", ICCID: "8944", IdempotencyKey: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, "20260301-000991", conf.Ref)
}

func TestAiraloPurchaseConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"data":{"id":5,"code":"C-5"},"message":"duplicate"}`))
	}))
	defer srv.Close()

	a := NewAiralo(srv.URL, "k", time.Second, nil)
	conf, err := a.PurchaseTopup(context.Background(), TopupRequest{PackageID: "p", ICCID: "i", IdempotencyKey: "o"})
	assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	assert.Equal(t, "C-5", conf.Ref)
}

func TestAiraloPurchaseUnreadableAcceptance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	}))
	defer srv.Close()

	a := NewAiralo(srv.URL, "k", time.Second, nil)
	conf, err := a.PurchaseTopup(context.Background(), TopupRequest{PackageID: "p", ICCID: "i", IdempotencyKey: "o"})
	assert.ErrorIs(t, err, ErrUnknownOutcome)
	assert.Empty(t, conf.Ref)
}

func TestAiraloPurchaseTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a := NewAiralo(srv.URL, "k", 50*time.Millisecond, nil)
	_, err := a.PurchaseTopup(context.Background(), TopupRequest{PackageID: "p", ICCID: "i", IdempotencyKey: "o"})
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestAiraloLookupTopup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		if r.URL.Query().Get("filter[description]") == Description("known") {
			w.Write([]byte(`{"data":[{"id":7,"code":"C-7","description":"topup order known"}]}`))
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	a := NewAiralo(srv.URL, "k", time.Second, nil)

	conf, found, err := a.LookupTopup(context.Background(), "known")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "C-7", conf.Ref)

	_, found, err = a.LookupTopup(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAiraloUsageCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"data":{"remaining":512,"total":1024,"status":"ACTIVE"}}`))
	}))
	defer srv.Close()

	clock := utils.NewManualClock(time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC))
	a := NewAiralo(srv.URL, "k", time.Second, nil).WithClock(clock)
	u, err := a.Usage(context.Background(), "8944")
	require.NoError(t, err)
	assert.Equal(t, 512, u.Remaining)

	clock.Advance(30 * time.Second)
	_, err = a.Usage(context.Background(), "8944")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock.Advance(30 * time.Second)
	_, err = a.Usage(context.Background(), "8944")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a new minute refreshes the cache")
}
