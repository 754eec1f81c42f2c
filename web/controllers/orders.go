package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"go-topup/payment/db"
	"go-topup/payment/order"
	"go-topup/payment/provider"
	"go-topup/payment/qrcode"
	"go-topup/web/middleware"
)

type OrderService interface {
	RequestOrder(ctx context.Context, req order.Request) (*db.Order, error)
	Get(ctx context.Context, id string) (*db.Order, error)
}

type OrderStore interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]db.Order, error)
	ListByState(ctx context.Context, state db.State, updatedBefore time.Time, limit int) ([]db.Order, error)
	Orphans(ctx context.Context, limit int) ([]db.PaymentEvent, error)
}

type UsageSource interface {
	Usage(ctx context.Context, iccid string) (provider.Usage, error)
}

// Handler serves the chat front-end and the operator endpoints.
type Handler struct {
	orders OrderService
	store  OrderStore
	usage  UsageSource
	chain  string
	now    func() time.Time
	logger *zap.Logger
}

func NewHandler(orders OrderService, store OrderStore, usage UsageSource, chain string, now func() time.Time, logger *zap.Logger) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{orders: orders, store: store, usage: usage, chain: chain, now: now, logger: logger}
}

type orderView struct {
	ID               string    `json:"id"`
	State            db.State  `json:"state"`
	ProductRef       string    `json:"product_ref"`
	ICCID            string    `json:"iccid"`
	ExpectedAmount   string    `json:"expected_amount"`
	ReceivedAmount   string    `json:"received_amount"`
	Overpayment      string    `json:"overpayment,omitempty"`
	TokenMint        string    `json:"token_mint"`
	ReceivingAccount string    `json:"receiving_account"`
	PaymentURI       string    `json:"payment_uri,omitempty"`
	ConfirmationRef  string    `json:"confirmation_ref,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (h *Handler) view(o *db.Order) orderView {
	v := orderView{
		ID:               o.ID,
		State:            o.State,
		ProductRef:       o.ProductRef,
		ICCID:            o.ICCID,
		ExpectedAmount:   o.ExpectedAmount.String(),
		ReceivedAmount:   o.ReceivedAmount.String(),
		TokenMint:        o.TokenMint,
		ReceivingAccount: o.ReceivingAccount,
		ConfirmationRef:  o.ConfirmationRef,
		FailureReason:    o.FailureReason,
		CreatedAt:        o.CreatedAt,
		ExpiresAt:        o.ExpiresAt,
	}
	if o.Overpayment.IsPositive() {
		v.Overpayment = o.Overpayment.String()
	}
	if order.Payable(o.State) {
		if uri, err := qrcode.PaymentURI(h.chain, o.ReceivingAccount, o.Due(), o.TokenMint, o.ID); err == nil {
			v.PaymentURI = uri
		}
	}
	return v
}

// CreateOrder handles POST /api/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var body struct {
		ProductRef string `json:"product_ref" binding:"required"`
		ICCID      string `json:"iccid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	o, err := h.orders.RequestOrder(c.Request.Context(), order.Request{
		UserID:     c.GetString(middleware.UserKey),
		ProductRef: body.ProductRef,
		ICCID:      body.ICCID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(o))
}

// GetOrder handles GET /api/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, ok := h.ownOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.view(o))
}

// OrderQR handles GET /api/orders/:id/qr.
func (h *Handler) OrderQR(c *gin.Context) {
	o, ok := h.ownOrder(c)
	if !ok {
		return
	}
	if !order.Payable(o.State) {
		c.JSON(http.StatusConflict, gin.H{"error": "Order no longer accepts payment", "state": o.State})
		return
	}
	uri, err := qrcode.PaymentURI(h.chain, o.ReceivingAccount, o.Due(), o.TokenMint, o.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	png, err := qrcode.PNG(uri)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// ListUserOrders handles GET /api/users/:user_id/orders.
func (h *Handler) ListUserOrders(c *gin.Context) {
	userID := c.Param("user_id")
	if userID != c.GetString(middleware.UserKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	orders, err := h.store.ListByUser(c.Request.Context(), userID, limit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for i := range orders {
		out = append(out, h.view(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

// Usage handles GET /api/esims/:iccid/usage.
func (h *Handler) Usage(c *gin.Context) {
	if h.usage == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Usage lookup unavailable"})
		return
	}
	u, err := h.usage.Usage(c.Request.Context(), c.Param("iccid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) ownOrder(c *gin.Context) (*db.Order, bool) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	// other users' orders look absent
	if o.UserID != c.GetString(middleware.UserKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return nil, false
	}
	return o, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	var tooMany *provider.TooManyRequestsError
	switch {
	case errors.Is(err, order.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, order.ErrUnknownProduct):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown product"})
	case errors.Is(err, order.ErrInvalidRequest), errors.Is(err, provider.ErrPermanent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &tooMany):
		c.Header("Retry-After", strconv.Itoa(int(tooMany.RetryAfter.Seconds())))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Provider busy, please try later"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func limit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || n < 1 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}
