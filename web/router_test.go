package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go-topup/log"
	"go-topup/payment/db"
	"go-topup/payment/order"
	"go-topup/payment/order/ordertest"
	"go-topup/payment/provider"
	"go-topup/payment/qrcode"
	"go-topup/web/controllers"
	"go-topup/web/middleware"
)

const secret = "test-secret"

type catalog struct{}

func (catalog) Packages(ctx context.Context, iccid string) ([]provider.Package, error) {
	return []provider.Package{{ID: "pkg-1", Price: decimal.RequireFromString("10")}}, nil
}

type pegged struct{}

func (pegged) FromUSD(ctx context.Context, usd decimal.Decimal, symbol string) (decimal.Decimal, error) {
	return usd, nil
}

type server struct {
	router *gin.Engine
	store  *order.Store
}

func newServer(t *testing.T, burst int) *server {
	gin.SetMode(gin.TestMode)
	store, clock, _ := ordertest.NewStore(t)
	svc := order.NewService(store, catalog{}, pegged{}, order.ServiceConfig{
		ReceivingAccount: ordertest.Account,
		TokenMint:        ordertest.Mint,
		TokenSymbol:      "USDC",
		TokenDecimals:    6,
		TTL:              10 * time.Minute,
	}, log.Nop())

	hash, err := bcrypt.GenerateFromPassword([]byte("adm1n"), bcrypt.MinCost)
	require.NoError(t, err)

	h := controllers.NewHandler(svc, store, nil, qrcode.ChainSolana, clock.Now, log.Nop())
	r := NewRouter(h, middleware.NewRateLimiter(0.001, burst), RouterConfig{
		JWTSecret:    secret,
		AdminKeyHash: string(hash),
		CORSOrigins:  []string{"*"},
	}, log.Nop())
	return &server{router: r, store: store}
}

func (s *server) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.IssueToken([]byte(secret), user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestCreateAndReadOrder(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodPost, "/api/orders", "42", `{"product_ref":"pkg-1","iccid":"8944500000000000001"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "awaiting_payment", created["state"])
	assert.Equal(t, "10", created["expected_amount"])
	assert.True(t, strings.HasPrefix(created["payment_uri"].(string), "solana:"+ordertest.Account+"?amount=10"))
	id := created["id"].(string)

	w = s.do(t, http.MethodGet, "/api/orders/"+id, "42", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// someone else's order is invisible
	w = s.do(t, http.MethodGet, "/api/orders/"+id, "43", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/orders/"+id+"/qr", "42", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = s.do(t, http.MethodGet, "/api/users/42/orders", "42", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Orders []map[string]any `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Orders, 1)
	assert.Equal(t, id, list.Orders[0]["id"])

	w = s.do(t, http.MethodGet, "/api/users/42/orders", "43", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodPost, "/api/orders", "42", `{"product_ref":"pkg-9","iccid":"8944500000000000001"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/orders", "42", `{"iccid":"8944500000000000001"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/orders", "", `{"product_ref":"pkg-1","iccid":"1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQRGoneAfterExpiry(t *testing.T) {
	s := newServer(t, 100)
	ctx := context.Background()
	o, err := s.store.Create(ctx, order.NewOrder{
		UserID:           "42",
		ProductRef:       "pkg-1",
		ExpectedAmount:   decimal.NewFromInt(10),
		ReceivingAccount: ordertest.Account,
		TokenMint:        ordertest.Mint,
		TTL:              time.Minute,
	})
	require.NoError(t, err)
	_, err = s.store.Transition(ctx, o.ID, db.StateAwaitingPayment, db.StateExpired, order.Change{})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/orders/"+o.ID+"/qr", "42", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newServer(t, 100)
	ctx := context.Background()
	_, err := s.store.SaveBatch(ctx, ordertest.Account, "devnet", []db.PaymentEvent{ordertest.Event("sig-1", "3")}, "sig-1")
	require.NoError(t, err)
	require.NoError(t, s.store.MarkEvent(ctx, "sig-1", db.EventOrphan, db.OrphanNoCandidate, nil))

	req := httptest.NewRequest(http.MethodGet, "/admin/orphans", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/orphans", nil)
	req.Header.Set("X-Admin-Key", "adm1n")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Orphans []map[string]any `json:"orphans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Orphans, 1)
	assert.Equal(t, "sig-1", out.Orphans[0]["transfer_ref"])
	assert.Equal(t, string(db.OrphanNoCandidate), out.Orphans[0]["reason"])

	req = httptest.NewRequest(http.MethodGet, "/admin/refunds", nil)
	req.Header.Set("X-Admin-Key", "adm1n")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimited(t *testing.T) {
	s := newServer(t, 1)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/42/orders", "42", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/api/users/42/orders", "42", "").Code)
}
