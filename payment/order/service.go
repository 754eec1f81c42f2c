package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"go-topup/payment/db"
	"go-topup/payment/provider"
)

// Catalog lists the top-up packages a given eSIM can buy.
type Catalog interface {
	Packages(ctx context.Context, iccid string) ([]provider.Package, error)
}

// Pricer converts USD into token units.
type Pricer interface {
	FromUSD(ctx context.Context, usd decimal.Decimal, symbol string) (decimal.Decimal, error)
}

type ServiceConfig struct {
	ReceivingAccount string
	TokenMint        string
	TokenSymbol      string
	TokenDecimals    int32
	TTL              time.Duration
	TestingMode      bool
	Multiplier       decimal.Decimal // applied to amounts in testing mode
	UniqueAmounts    bool            // no two open orders expect the same amount
}

type Request struct {
	UserID     string
	ProductRef string
	ICCID      string
}

// Service is the entry point for the chat front-end.
type Service struct {
	store   *Store
	catalog Catalog
	pricer  Pricer
	cfg     ServiceConfig
	logger  *zap.Logger
}

func NewService(store *Store, catalog Catalog, pricer Pricer, cfg ServiceConfig, logger *zap.Logger) *Service {
	return &Service{store: store, catalog: catalog, pricer: pricer, cfg: cfg, logger: logger}
}

// RequestOrder quotes the package and opens an order waiting for payment.
func (s *Service) RequestOrder(ctx context.Context, req Request) (*db.Order, error) {
	if req.UserID == "" || req.ProductRef == "" || req.ICCID == "" {
		return nil, fmt.Errorf("%w: user, product and iccid are required", ErrInvalidRequest)
	}

	pkgs, err := s.catalog.Packages(ctx, req.ICCID)
	if err != nil {
		if errors.Is(err, provider.ErrPermanent) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("load packages: %w", err)
	}
	var pkg *provider.Package
	for i := range pkgs {
		if pkgs[i].ID == req.ProductRef {
			pkg = &pkgs[i]
			break
		}
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, req.ProductRef)
	}

	amount, err := s.pricer.FromUSD(ctx, pkg.Price, s.cfg.TokenSymbol)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", pkg.ID, err)
	}
	amount = s.ExpectedAmount(amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: package %s prices to zero", ErrInvalidRequest, pkg.ID)
	}
	if s.cfg.UniqueAmounts {
		open, err := s.store.ListCandidates(ctx, s.cfg.ReceivingAccount, s.cfg.TokenMint, s.store.clock.Now())
		if err != nil {
			return nil, err
		}
		amount = distinctAmount(amount, open, s.cfg.TokenDecimals)
	}

	o, err := s.store.Create(ctx, NewOrder{
		UserID:           req.UserID,
		ProductRef:       pkg.ID,
		ICCID:            req.ICCID,
		ExpectedAmount:   amount,
		PriceUSD:         pkg.Price,
		ReceivingAccount: s.cfg.ReceivingAccount,
		TokenMint:        s.cfg.TokenMint,
		TTL:              s.cfg.TTL,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("product", o.ProductRef),
		zap.String("amount", o.ExpectedAmount.String()),
		zap.Time("expires_at", o.ExpiresAt))
	return o, nil
}

// ExpectedAmount truncates amount to the token's precision. In testing mode
// the amount is scaled by the multiplier with a floor of one whole token.
func (s *Service) ExpectedAmount(amount decimal.Decimal) decimal.Decimal {
	if s.cfg.TestingMode {
		amount = amount.Mul(s.cfg.Multiplier)
		amount = amount.Truncate(s.cfg.TokenDecimals)
		if amount.LessThan(decimal.NewFromInt(1)) {
			return decimal.NewFromInt(1)
		}
		return amount
	}
	return amount.Truncate(s.cfg.TokenDecimals)
}

func (s *Service) Get(ctx context.Context, id string) (*db.Order, error) {
	return s.store.Get(ctx, id)
}
