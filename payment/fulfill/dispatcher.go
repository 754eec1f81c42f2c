package fulfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-topup/payment/db"
	"go-topup/payment/order"
	"go-topup/payment/provider"
	"go-topup/utils"
)

//go:generate mockgen -destination=mocks/provider.go -package=mocks go-topup/payment/fulfill Provider

// Provider applies top-ups. Calls with the same idempotency key must not
// apply twice.
type Provider interface {
	PurchaseTopup(ctx context.Context, req provider.TopupRequest) (provider.Confirmation, error)
	LookupTopup(ctx context.Context, idempotencyKey string) (provider.Confirmation, bool, error)
}

type Store interface {
	Get(ctx context.Context, id string) (*db.Order, error)
	ListByState(ctx context.Context, state db.State, updatedBefore time.Time, limit int) ([]db.Order, error)
	Transition(ctx context.Context, id string, from, to db.State, change order.Change) (*db.Order, error)
	IncrementAttempts(ctx context.Context, id string, expected int) (*db.Order, error)
}

type Config struct {
	Workers      int
	MaxAttempts  int
	CallTimeout  time.Duration
	ScanInterval time.Duration
	StaleAfter   time.Duration // fulfilling orders untouched this long are resumed
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Rate         float64 // provider calls per second, 0 for unlimited
}

// Dispatcher turns paid orders into provider top-ups, at most once per order.
type Dispatcher struct {
	store    Store
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	clock    utils.Clock
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]bool
}

func New(store Store, p Provider, cfg Config, clock utils.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Dispatcher{
		store:    store,
		provider: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		clock:    clock,
		logger:   logger,
		sleep:    utils.Sleep,
		inflight: make(map[string]bool),
	}
}

// Run feeds paid and stranded orders to the worker pool until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan string, d.cfg.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := d.Fulfill(ctx, id); err != nil && ctx.Err() == nil {
					d.logger.Error("fulfillment failed", zap.String("order_id", id), zap.Error(err))
				}
				d.done(id)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	d.logger.Info("fulfillment dispatcher started", zap.Int("workers", d.cfg.Workers))

	for {
		if err := d.scan(ctx, jobs); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context, jobs chan<- string) error {
	now := d.clock.Now()
	paid, err := d.store.ListByState(ctx, db.StatePaid, now.Add(time.Second), 100)
	if err != nil {
		return err
	}
	stale, err := d.store.ListByState(ctx, db.StateFulfilling, now.Add(-d.cfg.StaleAfter), 100)
	if err != nil {
		return err
	}
	for _, o := range append(paid, stale...) {
		if !d.claimLocal(o.ID) {
			continue
		}
		select {
		case jobs <- o.ID:
		case <-ctx.Done():
			d.done(o.ID)
			return nil
		}
	}
	return nil
}

// claimLocal keeps one process from queueing an order twice; the store CAS
// settles races between processes.
func (d *Dispatcher) claimLocal(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Fulfill claims a paid order, or resumes a stranded fulfilling one, and
// drives it to fulfilled or refund_pending.
func (d *Dispatcher) Fulfill(ctx context.Context, id string) error {
	o, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	log := d.logger.With(zap.String("order_id", id))

	switch o.State {
	case db.StatePaid:
		o, err = d.store.Transition(ctx, id, db.StatePaid, db.StateFulfilling, order.Change{})
		if errors.Is(err, order.ErrConflict) {
			log.Debug("order claimed elsewhere")
			return nil
		}
		if err != nil {
			return err
		}
	case db.StateFulfilling:
		if d.clock.Now().Sub(o.UpdatedAt) < d.cfg.StaleAfter {
			log.Debug("order is being fulfilled elsewhere")
			return nil
		}
		log.Info("resuming fulfillment", zap.Int("attempts", o.FulfillmentAttempts))
	default:
		return nil
	}
	return d.attempt(ctx, o, log)
}

func (d *Dispatcher) attempt(ctx context.Context, o *db.Order, log *zap.Logger) error {
	// a resumed order may have an earlier call whose outcome was never recorded
	unknown := o.FulfillmentAttempts > 0

	for {
		if unknown {
			conf, found, err := d.lookup(ctx, o.ID)
			if err == nil && found {
				log.Info("earlier top-up found", zap.String("confirmation", conf.Ref))
				return d.complete(ctx, o, conf, log)
			}
			if err != nil {
				log.Warn("top-up lookup failed", zap.Error(err))
				if o.FulfillmentAttempts >= d.cfg.MaxAttempts {
					// the last call may have applied; the stale scan looks again
					return nil
				}
			}
		}
		if o.FulfillmentAttempts >= d.cfg.MaxAttempts {
			return d.fail(ctx, o, fmt.Sprintf("gave up after %d attempts", o.FulfillmentAttempts), log)
		}

		var err error
		o, err = d.store.IncrementAttempts(ctx, o.ID, o.FulfillmentAttempts)
		if errors.Is(err, order.ErrConflict) {
			log.Debug("attempt taken by another worker")
			return nil
		}
		if err != nil {
			return err
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		conf, err := d.provider.PurchaseTopup(callCtx, provider.TopupRequest{
			PackageID:      o.ProductRef,
			ICCID:          o.ICCID,
			IdempotencyKey: o.ID,
		})
		cancel()

		var delay time.Duration
		switch {
		case err == nil:
			return d.complete(ctx, o, conf, log)
		case errors.Is(err, provider.ErrAlreadyFulfilled):
			log.Info("provider reports top-up already applied")
			return d.complete(ctx, o, conf, log)
		case errors.Is(err, provider.ErrPermanent):
			return d.fail(ctx, o, err.Error(), log)
		case errors.Is(err, provider.ErrUnknownOutcome) || errors.Is(err, context.DeadlineExceeded):
			unknown = true
		default:
			unknown = false
			var tooMany *provider.TooManyRequestsError
			if errors.As(err, &tooMany) {
				delay = tooMany.RetryAfter
			}
		}
		if ctx.Err() != nil {
			// left in fulfilling; resumed once stale
			return ctx.Err()
		}

		if delay == 0 {
			delay = utils.Backoff(o.FulfillmentAttempts, d.cfg.BackoffBase, d.cfg.BackoffMax)
		}
		if d.cfg.StaleAfter > 0 && delay > d.cfg.StaleAfter/2 {
			// sleeping longer would hand the order to a resuming worker
			delay = d.cfg.StaleAfter / 2
		}
		log.Warn("top-up attempt failed",
			zap.Int("attempt", o.FulfillmentAttempts),
			zap.Bool("outcome_unknown", unknown),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if o.FulfillmentAttempts < d.cfg.MaxAttempts {
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) lookup(ctx context.Context, id string) (provider.Confirmation, bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return provider.Confirmation{}, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.provider.LookupTopup(callCtx, id)
}

func (d *Dispatcher) complete(ctx context.Context, o *db.Order, conf provider.Confirmation, log *zap.Logger) error {
	_, err := d.store.Transition(ctx, o.ID, db.StateFulfilling, db.StateFulfilled, order.Change{
		ConfirmationRef: conf.Ref,
		Detail:          "top-up applied to your eSIM",
	})
	if errors.Is(err, order.ErrConflict) {
		log.Warn("order left fulfilling before completion was recorded")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("order fulfilled", zap.String("confirmation", conf.Ref), zap.Int("attempts", o.FulfillmentAttempts))
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, o *db.Order, reason string, log *zap.Logger) error {
	_, err := d.store.Transition(ctx, o.ID, db.StateFulfilling, db.StateFailed, order.Change{
		FailureReason: reason,
		Detail:        "we could not apply the top-up",
	})
	if errors.Is(err, order.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Error("fulfillment failed", zap.String("reason", reason))

	_, err = d.store.Transition(ctx, o.ID, db.StateFailed, db.StateRefundPending, order.Change{
		Detail: "your payment will be refunded",
	})
	if err != nil && !errors.Is(err, order.ErrConflict) {
		return err
	}
	return nil
}
