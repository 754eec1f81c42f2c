package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"go-topup/config"
	"go-topup/payment/ledger"
	"go-topup/web/middleware"
)

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a receiving wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, _ := cmd.Flags().GetString("chain")
			var (
				kp  ledger.Keypair
				err error
			)
			switch chain {
			case config.ChainSolana:
				kp, err = ledger.GenerateSolanaKeypair()
			case config.ChainTron:
				kp, err = ledger.GenerateTronKeypair()
			default:
				return fmt.Errorf("unknown chain %q (want solana or tron)", chain)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:     %s\n", kp.Address)
			fmt.Fprintf(out, "private key: %s\n", kp.PrivateKey)
			return nil
		},
	}
	cmd.Flags().StringP("chain", "c", config.ChainSolana, "solana or tron")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [user_id]",
		Short: "Issue an API token for a chat user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			secret := os.Getenv("JWT_SECRET")
			token, err := middleware.IssueToken([]byte(secret), args[0], ttl)
			if err != nil {
				return fmt.Errorf("set JWT_SECRET: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func adminHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin-hash [key]",
		Short: "Hash an admin key for admin_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), 10)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}
