package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/soyeahso/shipbot/internal/domain"
)

func newBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show or adjust a user's prepaid balance",
	}

	cmd.AddCommand(newBalanceShowCmd())
	cmd.AddCommand(newBalanceAdjustCmd())
	return cmd
}

func newBalanceShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's balance and recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				ledger := a.orch.Ledger()
				bal, err := ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := ledger.Entries(ctx, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s balance %s\n", args[0], bal)
				for _, e := range entries {
					fmt.Fprintf(out, "  %s  %9s  %-20s %s\n",
						e.CreatedAt.Format("2006-01-02 15:04"), e.Amount, e.Reason, e.Key)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "ledger entries to show")
	return cmd
}

func newBalanceAdjustCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust <user> <amount>",
		Short: "Credit (positive) or debit (negative) a user's balance in dollars",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseDollars(args[1])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				key := "admin:" + uuid.NewString()
				if _, err := a.orch.Ledger().Adjust(ctx, args[0], amount, key, reason); err != nil {
					return err
				}
				bal, err := a.orch.Ledger().Balance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Adjusted %s by %s, balance %s\n", args[0], amount, bal)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "admin adjustment", "reason recorded in the ledger")
	return cmd
}

// parseDollars reads a signed dollar amount such as "25", "-4.50" or "$10".
func parseDollars(s string) (domain.Money, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "$")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	m := domain.MoneyFromFloat(f)
	if neg {
		m = -m
	}
	return m, nil
}
