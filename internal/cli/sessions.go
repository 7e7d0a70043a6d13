package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage open order sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsClearCmd())
	cmd.AddCommand(newSessionsSweepCmd())
	return cmd
}

// withApp loads config, opens the store and runs fn against it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func newSessionsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sessions, err := a.orch.Sessions(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(sessions) == 0 {
					fmt.Fprintln(out, "no open sessions")
					return nil
				}
				for _, s := range sessions {
					step := string(s.CurrentStep)
					if s.Interrupted() {
						step += " (" + string(s.Interrupt) + ")"
					}
					fmt.Fprintf(out, "%-24s %-28s fields=%-3d idle=%s\n",
						s.UserID, step, len(s.Fields), time.Since(s.UpdatedAt).Round(time.Second))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	return cmd
}

func newSessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <user>",
		Short: "Cancel a user's session and release any money it holds",
		Long:  "Cancel a user's session. The user is given as channel:id, e.g. telegram:12345.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.orch.ClearSession(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
				return nil
			})
		},
	}
}

func newSessionsSweepCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict sessions idle longer than the session TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if ttl <= 0 {
					ttl = a.cfg.Session.TTL()
				}
				n, err := a.sessions.EvictIdle(ctx, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d session(s) idle longer than %s\n", n, ttl)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "override the configured idle TTL")
	return cmd
}
