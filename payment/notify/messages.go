package notify

import (
	"fmt"
	"strings"

	"go-topup/payment/db"
)

var templates = map[db.State]string{
	db.StatePaid:          "Payment received for order %s. We are applying your top-up now.",
	db.StateUnderpaid:     "We received part of the payment for order %s. Send the remainder before the order expires.",
	db.StateFulfilled:     "Your top-up for order %s is active. Enjoy your data!",
	db.StateFailed:        "We could not apply the top-up for order %s.",
	db.StateRefundPending: "Order %s will be refunded. Our support team will contact you to arrange it.",
	db.StateExpired:       "Order %s expired before a payment arrived. Request a new order to try again.",
}

// Render builds the user-facing text of a notification.
func Render(n db.Notification) string {
	tmpl, ok := templates[n.State]
	if !ok {
		tmpl = "Order %s is now " + string(n.State) + "."
	}
	var b strings.Builder
	fmt.Fprintf(&b, tmpl, n.OrderID)
	if n.Detail != "" {
		b.WriteString("\n")
		b.WriteString(n.Detail)
	}
	return b.String()
}

func opsText(n db.Notification) string {
	return fmt.Sprintf("Refund needed\norder: %s\nuser: %s\n%s", n.OrderID, n.UserID, n.Detail)
}
