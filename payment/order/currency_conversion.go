package order

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"go-topup/utils"
)

const defaultOKXURL = "https://www.okx.com"

// stablecoins priced at 1 USD without a lookup
var pegged = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
}

// --- OKX API ---
type okxResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	} `json:"data"`
}

type cachedRate struct {
	price     decimal.Decimal // USD per token
	fetchedAt time.Time
}

// Converter turns USD quotes into token amounts using OKX spot prices.
type Converter struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	clock   utils.Clock

	mu    sync.Mutex
	rates map[string]cachedRate
}

func NewConverter(baseURL string, ttl time.Duration, clock utils.Clock) *Converter {
	if baseURL == "" {
		baseURL = defaultOKXURL
	}
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Converter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
		clock:   clock,
		rates:   make(map[string]cachedRate),
	}
}

// FromUSD converts a USD amount into units of the token symbol.
func (c *Converter) FromUSD(ctx context.Context, usd decimal.Decimal, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if pegged[symbol] {
		return usd, nil
	}
	price, err := c.price(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return usd.DivRound(price, 18), nil
}

func (c *Converter) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	now := c.clock.Now()
	c.mu.Lock()
	r, ok := c.rates[symbol]
	c.mu.Unlock()
	if ok && now.Sub(r.fetchedAt) < c.ttl {
		return r.price, nil
	}

	price, err := c.fetchOKXPair(ctx, symbol+"-USDT")
	if err != nil {
		if ok {
			// stale is better than nothing while OKX is down
			return r.price, nil
		}
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.rates[symbol] = cachedRate{price: price, fetchedAt: now}
	c.mu.Unlock()
	return price, nil
}

// fetch crypto pair price from OKX
func (c *Converter) fetchOKXPair(ctx context.Context, instID string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", c.baseURL, instID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx ticker %s: %w", instID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("okx ticker %s: status %d", instID, resp.StatusCode)
	}

	var result okxResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("okx ticker %s: %w", instID, err)
	}
	if result.Code != "0" || len(result.Data) == 0 {
		return decimal.Zero, fmt.Errorf("no data for %s: %s", instID, result.Msg)
	}
	price, err := decimal.NewFromString(result.Data[0].Last)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("bad price for %s: %q", instID, result.Data[0].Last)
	}
	return price, nil
}
