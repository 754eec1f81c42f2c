package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-topup/utils"
)

var Version = "dev"

func main() {
	utils.LoadEnv()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "topupctl",
		Short:         "Operate the eSIM top-up payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = "sqlite:topup.db"
	}
	root.PersistentFlags().String("dsn", dsn, "database DSN (sqlite:<path> or a MySQL DSN)")

	root.AddCommand(keygenCmd())
	root.AddCommand(orderCmd())
	root.AddCommand(orphansCmd())
	root.AddCommand(refundsCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(adminHashCmd())
	return root
}
