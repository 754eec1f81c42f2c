package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"go-topup/payment/db"
	"go-topup/payment/order"
)

func openStore(cmd *cobra.Command) (*order.Store, *gorm.DB, error) {
	dsn, _ := cmd.Flags().GetString("dsn")
	gdb, err := db.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Sync(gdb); err != nil {
		db.Close(gdb)
		return nil, nil, err
	}
	return order.NewStore(gdb, nil), gdb, nil
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [order_id]",
		Short: "Print an order and its notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, gdb, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			o, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			notes, err := store.Notifications(cmd.Context(), o.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Order         *db.Order         `json:"order"`
				Notifications []db.Notification `json:"notifications"`
			}{o, notes})
		},
	})
	return cmd
}

func orphansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List payments no order could take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, gdb, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			events, err := store.Orphans(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRANSFER\tFROM\tAMOUNT\tREASON\tOBSERVED")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.TransferRef, e.FromAccount, e.Amount, e.OrphanReason, e.ObservedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "maximum rows")
	return cmd
}

func refundsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refunds",
		Short: "List orders waiting for a refund",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, gdb, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			orders, err := store.ListByState(cmd.Context(), db.StateRefundPending, time.Now().Add(time.Minute), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tUSER\tRECEIVED\tTRANSFER\tREASON")
			for _, o := range orders {
				ref := ""
				if o.MatchedTransferRef != nil {
					ref = *o.MatchedTransferRef
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.ID, o.UserID, o.ReceivedAmount, ref, o.FailureReason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "maximum rows")
	return cmd
}
