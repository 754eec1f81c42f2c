package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	tronPageLimit    = 200 // max page size of TronGrid
	tronMaxPages     = 50
	tronDefaultSince = time.Hour
)

type trc20Response struct {
	Data    []trc20Transfer `json:"data"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Meta    meta            `json:"meta"`
}

type trc20Transfer struct {
	TransactionID  string    `json:"transaction_id"`
	TokenInfo      tokenInfo `json:"token_info"`
	BlockTimestamp int64     `json:"block_timestamp"` // ms
	From           string    `json:"from"`
	To             string    `json:"to"`
	Type           string    `json:"type"`
	Value          string    `json:"value"` // base units
}

type tokenInfo struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Name     string `json:"name"`
}

type meta struct {
	At          int64  `json:"at"`
	PageSize    int    `json:"page_size"`
	Fingerprint string `json:"fingerprint"`
	Links       links  `json:"links"`
}

type links struct {
	Next string `json:"next"`
}

type TronOptions struct {
	Contract string // TRC-20 contract address
	Decimals int32
	APIKey   string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// TronGrid reads TRC-20 transfers from the TronGrid REST API. Positions are
// block timestamps in milliseconds.
type TronGrid struct {
	baseURL string
	opts    TronOptions
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

func NewTronGrid(baseURL string, opts TronOptions) *TronGrid {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TronGrid{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger,
		now:     time.Now,
	}
}

func (t *TronGrid) ListTransfers(ctx context.Context, account, since string) ([]Transfer, string, error) {
	minTimestamp := t.now().Add(-tronDefaultSince).UnixMilli()
	if since != "" {
		ms, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return nil, since, permanent("bad tron watermark %q", since)
		}
		minTimestamp = ms
	}

	q := url.Values{}
	q.Set("only_to", "true")
	q.Set("only_confirmed", "true")
	q.Set("contract_address", t.opts.Contract)
	q.Set("min_timestamp", strconv.FormatInt(minTimestamp, 10))
	q.Set("order_by", "block_timestamp,asc")
	q.Set("limit", strconv.Itoa(tronPageLimit))
	next := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", t.baseURL, url.PathEscape(account), q.Encode())

	var transfers []Transfer
	position := minTimestamp
	perTx := make(map[string]int)
	for page := 0; next != "" && page < tronMaxPages; page++ { // query result is paged
		result, err := t.fetch(ctx, next)
		if err != nil {
			return nil, since, err
		}

		for _, tx := range result.Data {
			if tx.To != account || tx.TokenInfo.Address != t.opts.Contract {
				continue
			}
			decimals := t.opts.Decimals
			if tx.TokenInfo.Decimals > 0 {
				decimals = tx.TokenInfo.Decimals
			}
			amount, err := fromRaw(tx.Value, decimals)
			if err != nil {
				t.logger.Warn("skipping transfer with bad amount", zap.String("tx", tx.TransactionID), zap.Error(err))
				continue
			}

			ref := tx.TransactionID
			if n := perTx[tx.TransactionID]; n > 0 {
				ref = fmt.Sprintf("%s:%d", tx.TransactionID, n)
			}
			perTx[tx.TransactionID]++

			transfers = append(transfers, Transfer{
				Ref:       ref,
				From:      tx.From,
				To:        tx.To,
				Mint:      tx.TokenInfo.Address,
				Amount:    amount,
				Timestamp: time.UnixMilli(tx.BlockTimestamp).UTC(),
				Position:  uint64(tx.BlockTimestamp),
			})
			if tx.BlockTimestamp > position {
				position = tx.BlockTimestamp
			}
		}
		next = result.Meta.Links.Next
	}

	if since == "" && len(transfers) == 0 {
		return nil, "", nil
	}
	return transfers, strconv.FormatInt(position, 10), nil
}

func (t *TronGrid) fetch(ctx context.Context, u string) (*trc20Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, permanent("trongrid request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.opts.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", t.opts.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transient("trongrid: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("trongrid", resp.StatusCode)
	}

	var result trc20Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, transient("decode trongrid response: %v", err)
	}
	if !result.Success {
		return nil, transient("trongrid: %s", result.Error)
	}
	return &result, nil
}
