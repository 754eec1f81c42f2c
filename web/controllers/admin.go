package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-topup/payment/db"
)

type orphanView struct {
	TransferRef string    `json:"transfer_ref"`
	From        string    `json:"from"`
	Amount      string    `json:"amount"`
	TokenMint   string    `json:"token_mint"`
	Memo        string    `json:"memo,omitempty"`
	Reason      string    `json:"reason"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Orphans handles GET /admin/orphans: payments no order could take.
func (h *Handler) Orphans(c *gin.Context) {
	events, err := h.store.Orphans(c.Request.Context(), limit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]orphanView, 0, len(events))
	for _, e := range events {
		out = append(out, orphanView{
			TransferRef: e.TransferRef,
			From:        e.FromAccount,
			Amount:      e.Amount.String(),
			TokenMint:   e.TokenMint,
			Memo:        e.Memo,
			Reason:      e.OrphanReason,
			ObservedAt:  e.ObservedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orphans": out})
}

// Refunds handles GET /admin/refunds: orders holding funds that must go back.
func (h *Handler) Refunds(c *gin.Context) {
	orders, err := h.store.ListByState(c.Request.Context(), db.StateRefundPending, h.now().Add(time.Second), limit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, gin.H{
			"order_id":       o.ID,
			"user_id":        o.UserID,
			"received":       o.ReceivedAmount.String(),
			"overpayment":    o.Overpayment.String(),
			"transfer_ref":   o.MatchedTransferRef,
			"failure_reason": o.FailureReason,
			"updated_at":     o.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"refunds": out})
}
