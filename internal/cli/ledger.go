package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/techcoin/techcoin/internal/ledger"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(reconcileCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of transactions")
	historyCmd.Flags().String("before", "", "Cursor returned by a previous page")
	historyCmd.Flags().String("category", "", "Only show this category")
	historyCmd.Flags().String("reference", "", "Only show this reference id")

	adjustCmd.Flags().String("reason", "", "Reason recorded on the transaction (required)")
	adjustCmd.Flags().String("key", "", "Idempotency key; defaults to a new random key")
}

var balanceCmd = &cobra.Command{
	Use:   "balance OWNER_ID",
	Short: "Print an owner's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		balance, err := s.engine.BalanceOf(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", args[0], balance)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history OWNER_ID",
	Short: "List an owner's transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		beforeRaw, _ := cmd.Flags().GetString("before")
		categoryRaw, _ := cmd.Flags().GetString("category")
		reference, _ := cmd.Flags().GetString("reference")

		before, err := ledger.DecodeCursor(beforeRaw)
		if err != nil {
			return err
		}
		filter := ledger.Filter{Limit: limit, Before: before, ReferenceID: reference}
		if categoryRaw != "" {
			if filter.Category, err = ledger.ParseCategory(categoryRaw); err != nil {
				return err
			}
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		page, err := s.engine.History(cmd.Context(), args[0], filter)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tID\tAMOUNT\tBALANCE\tCATEGORY\tREFERENCE")
		for _, txn := range page.Items {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
				txn.CreatedAt.Format(time.RFC3339), txn.ID, txn.Amount, txn.BalanceAfter, txn.Category, txn.ReferenceID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if page.Next != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "next: %s\n", page.Next.Encode())
		}
		return nil
	},
}

var adjustCmd = &cobra.Command{
	Use:   "adjust OWNER_ID AMOUNT",
	Short: "Credit (positive) or debit (negative) an owner as an admin adjustment",
	Long: `Post an admin_adjustment transaction. Put negative amounts after "--":

  ledgerctl adjust --reason "chargeback" -- u1 -50`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount == 0 {
			return fmt.Errorf("amount must be a non-zero integer")
		}
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			key = uuid.NewString()
		}
		key = "admin:" + key

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		posting := ledger.Posting{
			OwnerID:        args[0],
			Amount:         amount,
			Category:       ledger.CategoryAdminAdjustment,
			IdempotencyKey: key,
			Description:    reason,
		}
		var txn ledger.Transaction
		if amount > 0 {
			txn, err = s.engine.Credit(cmd.Context(), posting)
		} else {
			posting.Amount = -amount
			txn, err = s.engine.Debit(cmd.Context(), posting)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d balance=%d replayed=%t\n", txn.ID, txn.Amount, txn.BalanceAfter, txn.Replayed)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Verify that every balance equals the sum of its transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		found, err := s.engine.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		for _, d := range found {
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d sum=%d\n", d.OwnerID, d.Balance, d.Sum)
		}
		if len(found) > 0 {
			return fmt.Errorf("%d wallet(s) out of balance", len(found))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "all wallets reconcile")
		return nil
	},
}
