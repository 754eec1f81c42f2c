package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	solanaPageLimit = 100
	commitment      = "confirmed"
)

// rpc error codes returned while a node is catching up or overloaded
var transientRPCCodes = map[int]bool{
	-32004: true, // block not available
	-32005: true, // node unhealthy
	-32007: true, // slot skipped
	-32014: true, // block status not yet available
	-32016: true, // minimum context slot not reached
	-32603: true, // internal error
	429:    true,
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

func (s signatureInfo) failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

type parsedInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

type tokenInstruction struct {
	Type string `json:"type"`
	Info struct {
		Source            string `json:"source"`
		Destination       string `json:"destination"`
		Authority         string `json:"authority"`
		MultisigAuthority string `json:"multisigAuthority"`
		Mint              string `json:"mint"`
		Amount            string `json:"amount"`
		TokenAmount       *struct {
			Amount   string `json:"amount"`
			Decimals int32  `json:"decimals"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

type solanaTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               json.RawMessage `json:"err"`
		InnerInstructions []struct {
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"innerInstructions"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type SolanaOptions struct {
	// TokenAccount is the SPL token account transfers arrive at. Orders
	// carry the owning wallet as their receiving account.
	TokenAccount string
	Mint         string
	Decimals     int32
	Timeout      time.Duration
	Logger       *zap.Logger
}

// Solana reads SPL token transfers through the Solana JSON-RPC API.
type Solana struct {
	rpcURL string
	opts   SolanaOptions
	client *http.Client
	nextID atomic.Uint64
	logger *zap.Logger
}

func NewSolana(rpcURL string, opts SolanaOptions) *Solana {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solana{
		rpcURL: rpcURL,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

func (s *Solana) ListTransfers(ctx context.Context, account, since string) ([]Transfer, string, error) {
	sigs, err := s.signaturesSince(ctx, since)
	if err != nil {
		return nil, since, err
	}
	if len(sigs) == 0 {
		return nil, since, nil
	}

	var transfers []Transfer
	for _, sig := range sigs {
		if sig.failed() {
			continue
		}
		ts, err := s.transfersIn(ctx, sig.Signature, account)
		if err != nil {
			return nil, since, err
		}
		transfers = append(transfers, ts...)
	}
	// signatures are oldest first after signaturesSince
	return transfers, sigs[len(sigs)-1].Signature, nil
}

// signaturesSince pages back from the newest signature to since and returns
// the signatures oldest first. Without since only the newest page is read.
func (s *Solana) signaturesSince(ctx context.Context, since string) ([]signatureInfo, error) {
	var all []signatureInfo
	before := ""
	for {
		cfg := map[string]any{
			"limit":      solanaPageLimit,
			"commitment": commitment,
		}
		if since != "" {
			cfg["until"] = since
		}
		if before != "" {
			cfg["before"] = before
		}

		var page []signatureInfo
		if err := s.call(ctx, "getSignaturesForAddress", []any{s.opts.TokenAccount, cfg}, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < solanaPageLimit || since == "" {
			break
		}
		before = page[len(page)-1].Signature
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (s *Solana) transfersIn(ctx context.Context, signature, owner string) ([]Transfer, error) {
	var tx *solanaTransaction
	err := s.call(ctx, "getTransaction", []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     commitment,
		"maxSupportedTransactionVersion": 0,
	}}, &tx)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		// listed but not yet served by this node
		return nil, transient("transaction %s not available", signature)
	}
	if tx.Meta != nil && len(tx.Meta.Err) > 0 && string(tx.Meta.Err) != "null" {
		return nil, nil
	}

	instructions := tx.Transaction.Message.Instructions
	if tx.Meta != nil {
		for _, inner := range tx.Meta.InnerInstructions {
			instructions = append(instructions, inner.Instructions...)
		}
	}

	var memo string
	for _, ins := range instructions {
		if ins.Program != "spl-memo" {
			continue
		}
		if err := json.Unmarshal(ins.Parsed, &memo); err != nil {
			s.logger.Debug("memo not decoded", zap.Error(err))
			continue
		}
		memo = strings.TrimSpace(memo)
	}

	var ts time.Time
	if tx.BlockTime != nil {
		ts = time.Unix(*tx.BlockTime, 0).UTC()
	}

	var out []Transfer
	for _, ins := range instructions {
		if !strings.HasPrefix(ins.Program, "spl-token") {
			continue
		}
		var ti tokenInstruction
		if err := json.Unmarshal(ins.Parsed, &ti); err != nil {
			continue
		}
		if ti.Type != "transfer" && ti.Type != "transferChecked" {
			continue
		}
		if ti.Info.Destination != s.opts.TokenAccount {
			continue
		}
		raw := ti.Info.Amount
		if ti.Type == "transferChecked" {
			if ti.Info.Mint != s.opts.Mint || ti.Info.TokenAmount == nil {
				continue
			}
			raw = ti.Info.TokenAmount.Amount
		}
		amount, err := fromRaw(raw, s.opts.Decimals)
		if err != nil {
			s.logger.Warn("skipping transfer with bad amount", zap.String("signature", signature), zap.Error(err))
			continue
		}

		from := ti.Info.Authority
		if from == "" {
			from = ti.Info.MultisigAuthority
		}
		if from == "" {
			from = ti.Info.Source
		}

		ref := signature
		if len(out) > 0 {
			ref = fmt.Sprintf("%s:%d", signature, len(out))
		}
		out = append(out, Transfer{
			Ref:       ref,
			From:      from,
			To:        owner,
			Mint:      s.opts.Mint,
			Amount:    amount,
			Timestamp: ts,
			Position:  tx.Slot,
			Memo:      memo,
		})
	}
	return out, nil
}

func (s *Solana) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: s.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return permanent("encode %s: %v", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(body))
	if err != nil {
		return permanent("%s: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient("%s: %v", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("solana "+method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return transient("decode %s: %v", method, err)
	}
	if rr.Error != nil {
		if transientRPCCodes[rr.Error.Code] {
			return transient("%s: %d %s", method, rr.Error.Code, rr.Error.Message)
		}
		return permanent("%s: %d %s", method, rr.Error.Code, rr.Error.Message)
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return transient("decode %s result: %v", method, err)
	}
	return nil
}
