package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RECEIVING_ACCOUNT", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	t.Setenv("TOKEN_MINT", "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, ChainSolana, cfg.Chain())
	assert.Equal(t, "https://api.devnet.solana.com", cfg.RPCURL)
	assert.Equal(t, int32(9), cfg.TokenDecimals)
	assert.Equal(t, 10*time.Minute, cfg.OrderTTL)
	assert.Equal(t, 0.01, cfg.TestingPaymentMultiplier)
	assert.Equal(t, 10*time.Second, cfg.MockPaymentDelay)
	assert.Equal(t, cfg.ReceivingAccount, cfg.ReceivingTokenAccount)
	assert.False(t, cfg.MockLedger())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "topup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network: shasta
receiving_account: TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf
token_mint: TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs
token_decimals: 6
order_ttl: 15m
testing_mode: true
mock_payment_success: true
`), 0o600))
	t.Setenv("MAX_FULFILLMENT_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ChainTron, cfg.Chain())
	assert.Equal(t, "https://api.shasta.trongrid.io", cfg.RPCURL)
	assert.Equal(t, int32(6), cfg.TokenDecimals)
	assert.Equal(t, 15*time.Minute, cfg.OrderTTL)
	assert.Equal(t, 7, cfg.MaxFulfillmentAttempts)
	assert.True(t, cfg.MockLedger())
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RECEIVING_ACCOUNT", "")
	t.Setenv("TOKEN_MINT", "")
	t.Setenv("NETWORK", "moon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiving_account is required")
	assert.Contains(t, err.Error(), "token_mint is required")
	assert.Contains(t, err.Error(), `unknown network "moon"`)
}

func TestValidateRejectsZeroIntervals(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RECEIVING_ACCOUNT", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	t.Setenv("TOKEN_MINT", "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	t.Setenv("RECONCILE_INTERVAL", "0s")
	t.Setenv("DISPATCH_INTERVAL", "0s")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile_interval must be positive")
	assert.Contains(t, err.Error(), "dispatch_interval must be positive")
	assert.NotContains(t, err.Error(), "sweep_interval")
}
