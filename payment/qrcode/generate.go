// Package qrcode renders payment requests as wallet-scannable QR codes.
package qrcode

import (
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	ChainSolana = "solana"
	ChainTron   = "tron"
)

// PaymentURI builds the wallet URI for a transfer of amount of token mint to
// recipient. Solana URIs follow Solana Pay and carry memo as the order
// reference.
func PaymentURI(chain, recipient string, amount decimal.Decimal, mint, memo string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("qrcode: empty recipient")
	}
	switch chain {
	case ChainSolana:
		q := url.Values{}
		q.Set("amount", amount.String())
		if mint != "" {
			q.Set("spl-token", mint)
		}
		if memo != "" {
			q.Set("memo", memo)
		}
		return "solana:" + recipient + "?" + q.Encode(), nil
	case ChainTron:
		q := url.Values{}
		q.Set("amount", amount.String())
		if mint != "" {
			q.Set("token", mint)
		}
		return "tron:" + recipient + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("qrcode: unsupported chain %q", chain)
	}
}

// PNG encodes uri as a 256px PNG.
func PNG(uri string) ([]byte, error) {
	return qrcode.Encode(uri, qrcode.Medium, 256)
}
