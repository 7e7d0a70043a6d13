package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect completed orders",
	}

	cmd.AddCommand(newOrdersListCmd())
	cmd.AddCommand(newOrdersInvoiceCmd())
	return cmd
}

func newOrdersListCmd() *cobra.Command {
	var (
		user  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				orders, err := a.orch.Orders(ctx, user, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(orders) == 0 {
					fmt.Fprintln(out, "no orders")
					return nil
				}
				for _, o := range orders {
					fmt.Fprintf(out, "%s  %s  %-20s %s %s  %s  %s/%s  %s\n",
						o.CreatedAt.Format("2006-01-02 15:04"), o.ID, o.UserID,
						o.Rate.Carrier, o.Rate.Service, o.Amount, o.PaymentMethod,
						o.PaymentStatus, o.Label.TrackingNumber)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only orders of this user (channel:id)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum orders to list")
	return cmd
}

func newOrdersInvoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoice <track-id>",
		Short: "Ask the crypto provider about an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				st, err := a.orch.InvoiceStatus(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  order=%s  status=%s  amount=%s  final=%v\n",
					st.TrackID, st.OrderID, st.Status, st.Amount, st.Final())
				return nil
			})
		},
	}
}
