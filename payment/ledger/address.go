package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
)

type Keypair struct {
	Address    string
	PrivateKey string // base58 for solana, hex for tron
}

// ValidSolanaAddress reports whether s is a base58 encoded 32 byte public key.
func ValidSolanaAddress(s string) bool {
	return len(base58.Decode(s)) == ed25519.PublicKeySize
}

// ValidTronAddress reports whether s is a base58check Tron address.
func ValidTronAddress(s string) bool {
	_, err := address.Base58ToAddress(s)
	return err == nil
}

// GenerateSolanaKeypair creates a receiving wallet. The private key is the
// 64 byte seed+public key encoding wallets import.
func GenerateSolanaKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate solana key: %w", err)
	}
	return Keypair{Address: base58.Encode(pub), PrivateKey: base58.Encode(priv)}, nil
}

func GenerateTronKeypair() (Keypair, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return Keypair{}, fmt.Errorf("generate tron key: %w", err)
	}
	addr := address.PubkeyToAddress(privateKey.PublicKey)
	return Keypair{
		Address:    addr.String(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(privateKey)),
	}, nil
}
