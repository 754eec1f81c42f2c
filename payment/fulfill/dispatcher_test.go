package fulfill

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-topup/log"
	"go-topup/payment/db"
	"go-topup/payment/fulfill/mocks"
	"go-topup/payment/order"
	"go-topup/payment/order/ordertest"
	"go-topup/payment/provider"
	"go-topup/utils"
)

type fixture struct {
	store    *order.Store
	clock    *utils.ManualClock
	provider *mocks.MockProvider
	d        *Dispatcher
	slept    []time.Duration
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	ctrl := gomock.NewController(t)
	store, clock, _ := ordertest.NewStore(t)
	f := &fixture{store: store, clock: clock, provider: mocks.NewMockProvider(ctrl)}
	f.d = New(store, f.provider, Config{
		Workers:      2,
		MaxAttempts:  maxAttempts,
		CallTimeout:  time.Second,
		ScanInterval: 5 * time.Millisecond,
		StaleAfter:   5 * time.Minute,
		BackoffBase:  time.Second,
		BackoffMax:   8 * time.Second,
	}, clock, log.Nop())
	f.d.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return ctx.Err()
	}
	return f
}

// paidOrder walks a fresh order to paid.
func (f *fixture) paidOrder(t *testing.T) *db.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.store.Create(ctx, ordertest.NewOrder("42", "10"))
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, o.ID, db.StateAwaitingPayment, db.StatePaymentSeen, order.Change{MatchedTransferRef: "sig-" + o.ID})
	require.NoError(t, err)
	o, err = f.store.Transition(ctx, o.ID, db.StatePaymentSeen, db.StatePaid, order.Change{})
	require.NoError(t, err)
	return o
}

func (f *fixture) get(t *testing.T, id string) *db.Order {
	t.Helper()
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestFulfillSuccess(t *testing.T) {
	f := newFixture(t, 3)
	o := f.paidOrder(t)

	f.provider.EXPECT().PurchaseTopup(gomock.Any(), provider.TopupRequest{
		PackageID:      o.ProductRef,
		ICCID:          o.ICCID,
		IdempotencyKey: o.ID,
	}).Return(provider.Confirmation{Ref: "AIR-1"}, nil).Times(1)

	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))

	got := f.get(t, o.ID)
	assert.Equal(t, db.StateFulfilled, got.State)
	assert.Equal(t, "AIR-1", got.ConfirmationRef)
	assert.Equal(t, 1, got.FulfillmentAttempts)
}

func TestTimeoutThenAlreadyFulfilled(t *testing.T) {
	f := newFixture(t, 3)
	o := f.paidOrder(t)

	gomock.InOrder(
		f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
			Return(provider.Confirmation{}, fmt.Errorf("%w: deadline", provider.ErrUnknownOutcome)),
		f.provider.EXPECT().LookupTopup(gomock.Any(), o.ID).
			Return(provider.Confirmation{}, false, nil),
		f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
			Return(provider.Confirmation{Ref: "AIR-2"}, provider.ErrAlreadyFulfilled),
	)

	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))

	got := f.get(t, o.ID)
	assert.Equal(t, db.StateFulfilled, got.State)
	assert.Equal(t, "AIR-2", got.ConfirmationRef)
	assert.Equal(t, 2, got.FulfillmentAttempts, "one per call made")
}

func TestUnknownOutcomeResolvedByLookup(t *testing.T) {
	f := newFixture(t, 3)
	o := f.paidOrder(t)

	gomock.InOrder(
		f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
			Return(provider.Confirmation{}, provider.ErrUnknownOutcome),
		f.provider.EXPECT().LookupTopup(gomock.Any(), o.ID).
			Return(provider.Confirmation{Ref: "AIR-3"}, true, nil),
	)

	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))

	got := f.get(t, o.ID)
	assert.Equal(t, db.StateFulfilled, got.State)
	assert.Equal(t, "AIR-3", got.ConfirmationRef)
	assert.Equal(t, 1, got.FulfillmentAttempts)
}

func TestTransientUntilCap(t *testing.T) {
	f := newFixture(t, 3)
	o := f.paidOrder(t)

	f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
		Return(provider.Confirmation{}, fmt.Errorf("%w: 503", provider.ErrTransient)).Times(3)

	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))

	got := f.get(t, o.ID)
	assert.Equal(t, db.StateRefundPending, got.State)
	assert.Equal(t, 3, got.FulfillmentAttempts)
	assert.Contains(t, got.FailureReason, "gave up after 3 attempts")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.slept)

	notes, err := f.store.Notifications(context.Background(), o.ID)
	require.NoError(t, err)
	var states []db.State
	for _, n := range notes {
		states = append(states, n.State)
	}
	assert.Equal(t, []db.State{db.StatePaid, db.StateFailed, db.StateRefundPending}, states)
}

func TestRateLimitedHonoursRetryAfter(t *testing.T) {
	f := newFixture(t, 2)
	o := f.paidOrder(t)

	gomock.InOrder(
		f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
			Return(provider.Confirmation{}, &provider.TooManyRequestsError{RetryAfter: 20 * time.Second}),
		f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
			Return(provider.Confirmation{Ref: "AIR-4"}, nil),
	)

	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))
	assert.Equal(t, []time.Duration{20 * time.Second}, f.slept)
	assert.Equal(t, db.StateFulfilled, f.get(t, o.ID).State)
}

func TestPermanentFailureRefunds(t *testing.T) {
	f := newFixture(t, 5)
	o := f.paidOrder(t)

	f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
		Return(provider.Confirmation{}, fmt.Errorf("%w: invalid ICCID", provider.ErrPermanent)).Times(1)

	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))

	got := f.get(t, o.ID)
	assert.Equal(t, db.StateRefundPending, got.State)
	assert.Equal(t, 1, got.FulfillmentAttempts)
	assert.Contains(t, got.FailureReason, "invalid ICCID")
}

func TestConcurrentFulfillCallsProviderOnce(t *testing.T) {
	f := newFixture(t, 3)
	o := f.paidOrder(t)

	f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
		Return(provider.Confirmation{Ref: "AIR-5"}, nil).Times(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.Fulfill(context.Background(), o.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, db.StateFulfilled, f.get(t, o.ID).State)
}

func TestResumeStaleFulfilling(t *testing.T) {
	f := newFixture(t, 3)
	o := f.paidOrder(t)
	ctx := context.Background()

	// a previous process claimed the order, counted an attempt and died
	_, err := f.store.Transition(ctx, o.ID, db.StatePaid, db.StateFulfilling, order.Change{})
	require.NoError(t, err)
	_, err = f.store.IncrementAttempts(ctx, o.ID, 0)
	require.NoError(t, err)

	// not stale yet: nobody touches it
	require.NoError(t, f.d.Fulfill(ctx, o.ID))
	assert.Equal(t, db.StateFulfilling, f.get(t, o.ID).State)

	f.clock.Advance(6 * time.Minute)
	f.provider.EXPECT().LookupTopup(gomock.Any(), o.ID).Return(provider.Confirmation{Ref: "AIR-6"}, true, nil)

	require.NoError(t, f.d.Fulfill(ctx, o.ID))
	got := f.get(t, o.ID)
	assert.Equal(t, db.StateFulfilled, got.State)
	assert.Equal(t, 1, got.FulfillmentAttempts)
}

func TestLookupErrorAfterLastCallKeepsOrder(t *testing.T) {
	f := newFixture(t, 1)
	o := f.paidOrder(t)
	ctx := context.Background()

	gomock.InOrder(
		f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
			Return(provider.Confirmation{}, provider.ErrUnknownOutcome),
		f.provider.EXPECT().LookupTopup(gomock.Any(), o.ID).
			Return(provider.Confirmation{}, false, fmt.Errorf("%w: connection reset", provider.ErrTransient)),
	)

	require.NoError(t, f.d.Fulfill(ctx, o.ID))
	got := f.get(t, o.ID)
	assert.Equal(t, db.StateFulfilling, got.State)
	assert.Equal(t, 1, got.FulfillmentAttempts)
	assert.Empty(t, got.FailureReason)

	// resumed once stale; only a definite miss fails the order
	f.clock.Advance(6 * time.Minute)
	f.provider.EXPECT().LookupTopup(gomock.Any(), o.ID).Return(provider.Confirmation{}, false, nil)

	require.NoError(t, f.d.Fulfill(ctx, o.ID))
	got = f.get(t, o.ID)
	assert.Equal(t, db.StateRefundPending, got.State)
	assert.Equal(t, 1, got.FulfillmentAttempts)
}

func TestFulfillIgnoresSettledOrders(t *testing.T) {
	f := newFixture(t, 3)
	o, err := f.store.Create(context.Background(), ordertest.NewOrder("42", "10"))
	require.NoError(t, err)

	// no provider expectations: any call fails the test
	require.NoError(t, f.d.Fulfill(context.Background(), o.ID))
	assert.Equal(t, db.StateAwaitingPayment, f.get(t, o.ID).State)
}

func TestRunDispatchesPaidOrders(t *testing.T) {
	f := newFixture(t, 3)
	a := f.paidOrder(t)
	b := f.paidOrder(t)

	f.provider.EXPECT().PurchaseTopup(gomock.Any(), gomock.Any()).
		Return(provider.Confirmation{Ref: "AIR"}, nil).Times(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.get(t, a.ID).State == db.StateFulfilled && f.get(t, b.ID).State == db.StateFulfilled
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
