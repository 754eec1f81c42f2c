package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-topup/utils"
)

const (
	DefaultBaseURL    = "https://partners-api.airalo.com/v2"
	defaultRetryAfter = 900 * time.Second
)

type apiError struct {
	Message string `json:"message"`
	Meta    struct {
		Message string `json:"message"`
	} `json:"meta"`
}

func (e apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Meta.Message
}

type orderData struct {
	ID          json.Number `json:"id"`
	Code        string      `json:"code"`
	PackageID   string      `json:"package_id"`
	Description string      `json:"description"`
}

type usageCacheEntry struct {
	usage  Usage
	minute int64
}

// Airalo is a client for the Airalo partners API.
type Airalo struct {
	baseURL string
	apiKey  string
	client  *http.Client
	clock   utils.Clock
	logger  *zap.Logger

	mu    sync.Mutex
	usage map[string]usageCacheEntry
}

func NewAiralo(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Airalo {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Airalo{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		clock:   utils.NewSystemClock(),
		logger:  logger,
		usage:   make(map[string]usageCacheEntry),
	}
}

// WithClock replaces the clock driving the usage cache.
func (a *Airalo) WithClock(clock utils.Clock) *Airalo {
	a.clock = clock
	return a
}

// Packages lists the top-up packages available for an eSIM.
func (a *Airalo) Packages(ctx context.Context, iccid string) ([]Package, error) {
	if iccid == "" {
		return nil, fmt.Errorf("%w: empty iccid", ErrPermanent)
	}
	var body struct {
		Data []Package `json:"data"`
	}
	if err := a.get(ctx, "/sims/"+url.PathEscape(iccid)+"/topups", iccid, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Usage returns eSIM usage, cached for the current minute.
func (a *Airalo) Usage(ctx context.Context, iccid string) (Usage, error) {
	minute := a.clock.Now().Unix() / 60
	a.mu.Lock()
	e, ok := a.usage[iccid]
	a.mu.Unlock()
	if ok && e.minute == minute {
		return e.usage, nil
	}

	var body struct {
		Data Usage `json:"data"`
	}
	if err := a.get(ctx, "/sims/"+url.PathEscape(iccid)+"/usage", iccid, &body); err != nil {
		return Usage{}, err
	}

	a.mu.Lock()
	for k, v := range a.usage {
		if v.minute != minute {
			delete(a.usage, k)
		}
	}
	a.usage[iccid] = usageCacheEntry{usage: body.Data, minute: minute}
	a.mu.Unlock()
	return body.Data, nil
}

// PurchaseTopup submits a top-up order. The idempotency key is sent as a header
// and embedded in the order description for LookupTopup.
func (a *Airalo) PurchaseTopup(ctx context.Context, req TopupRequest) (Confirmation, error) {
	form := url.Values{}
	form.Set("package_id", req.PackageID)
	form.Set("iccid", req.ICCID)
	form.Set("description", Description(req.IdempotencyKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/orders/topups", strings.NewReader(form.Encode()))
	if err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	a.authorize(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Confirmation{}, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
		}
		return Confirmation{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// the request reached the provider
		return Confirmation{}, fmt.Errorf("%w: read response: %v", ErrUnknownOutcome, err)
	}

	var body struct {
		Data orderData `json:"data"`
		apiError
	}
	decodeErr := json.Unmarshal(raw, &body)
	if decodeErr != nil {
		a.logger.Warn("airalo order response not decoded",
			zap.Int("status", resp.StatusCode),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(decodeErr))
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if decodeErr != nil {
			// accepted, but without a reference; LookupTopup recovers it
			return Confirmation{}, fmt.Errorf("%w: decode order: %v", ErrUnknownOutcome, decodeErr)
		}
		return confirmation(body.Data), nil
	case resp.StatusCode == http.StatusConflict:
		return confirmation(body.Data), ErrAlreadyFulfilled
	default:
		return Confirmation{}, a.statusError(resp, body.text(), req.ICCID)
	}
}

// LookupTopup finds an order placed earlier with the given idempotency key.
func (a *Airalo) LookupTopup(ctx context.Context, key string) (Confirmation, bool, error) {
	q := url.Values{}
	q.Set("filter[description]", Description(key))
	var body struct {
		Data []orderData `json:"data"`
	}
	if err := a.get(ctx, "/orders?"+q.Encode(), "", &body); err != nil {
		return Confirmation{}, false, err
	}
	for _, o := range body.Data {
		if o.Description == Description(key) {
			return confirmation(o), true, nil
		}
	}
	return Confirmation{}, false, nil
}

func (a *Airalo) get(ctx context.Context, path, iccid string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body apiError
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			a.logger.Debug("airalo error body not decoded", zap.String("path", path), zap.Error(err))
		}
		return a.statusError(resp, body.text(), iccid)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransient, path, err)
	}
	return nil
}

func (a *Airalo) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

func (a *Airalo) statusError(resp *http.Response, msg, iccid string) error {
	a.logger.Warn("airalo request failed",
		zap.String("url", resp.Request.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.String("message", msg))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TooManyRequestsError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: invalid ICCID %s", ErrPermanent, iccid)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrPermanent, msg)
	default:
		return fmt.Errorf("%w: status %d %s", ErrTransient, resp.StatusCode, msg)
	}
}

func confirmation(o orderData) Confirmation {
	if o.Code != "" {
		return Confirmation{Ref: o.Code}
	}
	return Confirmation{Ref: o.ID.String()}
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
