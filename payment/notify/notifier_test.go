package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-topup/log"
	"go-topup/payment/db"
	"go-topup/payment/notify"
	"go-topup/payment/notify/mocks"
	"go-topup/payment/order"
	"go-topup/payment/order/ordertest"
)

func contains(sub string) gomock.Matcher {
	return containsMatcher(sub)
}

type containsMatcher string

func (m containsMatcher) Matches(x interface{}) bool {
	s, ok := x.(string)
	return ok && strings.Contains(s, string(m))
}

func (m containsMatcher) String() string { return "contains " + string(m) }

func TestRetryUntilDelivered(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := ordertest.NewStore(t)
	o, err := store.Create(ctx, ordertest.NewOrder("42", "10"))
	require.NoError(t, err)
	_, err = store.Transition(ctx, o.ID, db.StateAwaitingPayment, db.StateExpired, order.Change{})
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	n := notify.New(store, sender, nil, notify.Config{BackoffBase: time.Second, BackoffMax: time.Minute}, clock, log.Nop())

	gomock.InOrder(
		sender.EXPECT().Send(gomock.Any(), "42", contains("expired")).Return(errors.New("connection reset")),
		sender.EXPECT().Send(gomock.Any(), "42", contains("expired")).Return(nil),
	)

	sent, err := n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// not due again until the backoff elapses
	sent, err = n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	clock.Advance(time.Second)
	sent, err = n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	notes, err := store.Notifications(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.NotNil(t, notes[0].DeliveredAt)
	assert.Equal(t, 2, notes[0].Attempts)

	sent, err = n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestOrderMessagesStayInSequence(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := ordertest.NewStore(t)
	o, err := store.Create(ctx, ordertest.NewOrder("42", "10"))
	require.NoError(t, err)
	for _, step := range []struct {
		from, to db.State
		change   order.Change
	}{
		{db.StateAwaitingPayment, db.StatePaymentSeen, order.Change{MatchedTransferRef: "sig-1"}},
		{db.StatePaymentSeen, db.StatePaid, order.Change{}},
		{db.StatePaid, db.StateFulfilling, order.Change{}},
		{db.StateFulfilling, db.StateFulfilled, order.Change{ConfirmationRef: "AIR-1"}},
	} {
		_, err = store.Transition(ctx, o.ID, step.from, step.to, step.change)
		require.NoError(t, err)
	}

	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	n := notify.New(store, sender, nil, notify.Config{BackoffBase: time.Second}, clock, log.Nop())

	// the failed paid message holds back the fulfilled one
	sender.EXPECT().Send(gomock.Any(), "42", contains("Payment received")).Return(errors.New("503"))
	sent, err := n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// the failed row is not due yet and the later one still waits behind it
	sent, err = n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	due, err := store.DueNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(time.Second)
	gomock.InOrder(
		sender.EXPECT().Send(gomock.Any(), "42", contains("Payment received")).Return(nil),
		sender.EXPECT().Send(gomock.Any(), "42", contains("is active")).Return(nil),
	)
	sent, err = n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestRefundAlertsOperators(t *testing.T) {
	ctx := context.Background()
	store, clock, _ := ordertest.NewStore(t)
	o, err := store.Create(ctx, ordertest.NewOrder("42", "10"))
	require.NoError(t, err)
	received := decimal.RequireFromString("7")
	_, err = store.Transition(ctx, o.ID, db.StateAwaitingPayment, db.StateUnderpaid, order.Change{ReceivedAmount: &received})
	require.NoError(t, err)
	_, err = store.Transition(ctx, o.ID, db.StateUnderpaid, db.StateRefundPending, order.Change{Detail: "7 received"})
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	ops := mocks.NewMockSender(ctrl)
	n := notify.New(store, sender, ops, notify.Config{OpsAddress: "ops@example.com"}, clock, log.Nop())

	gomock.InOrder(
		sender.EXPECT().Send(gomock.Any(), "42", contains("part of the payment")).Return(nil),
		sender.EXPECT().Send(gomock.Any(), "42", contains("will be refunded")).Return(nil),
	)
	ops.EXPECT().Send(gomock.Any(), "ops@example.com", contains("order: "+o.ID)).Return(nil)

	sent, err := n.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestRender(t *testing.T) {
	text := notify.Render(db.Notification{OrderID: "o-1", State: db.StatePaid, Detail: "overpaid by 2"})
	assert.Equal(t, "Payment received for order o-1. We are applying your top-up now.\noverpaid by 2", text)

	text = notify.Render(db.Notification{OrderID: "o-1", State: db.StateFulfilling})
	assert.Equal(t, "Order o-1 is now fulfilling.", text)
}
