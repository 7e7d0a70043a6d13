package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/store"
	"github.com/soyeahso/shipbot/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shipbot status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shipbot %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Fprintf(out, "Config:    %s\n", paths.Config)
			fmt.Fprintf(out, "Data:      %s\n", paths.Data)
			fmt.Fprintln(out)

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:    not found (using defaults and environment)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:    error loading: %v\n", err)
				return nil
			}

			// Channels
			if cfg.Telegram.Token != "" {
				fmt.Fprintf(out, "Telegram:  mode=%s", cfg.Telegram.Mode)
				if cfg.Telegram.Mode == "webhook" {
					fmt.Fprintf(out, " url=%s", cfg.Telegram.WebhookURL)
				}
				fmt.Fprintln(out)
			} else {
				fmt.Fprintln(out, "Telegram:  (no token)")
			}
			if cfg.IRC != nil {
				fmt.Fprintf(out, "IRC:       server=%s:%d nick=%s ops=%s tls=%v\n",
					cfg.IRC.Server, cfg.IRC.Port, cfg.IRC.Nick, cfg.IRC.OpsChannel, cfg.IRC.UseTLS)
			} else {
				fmt.Fprintln(out, "IRC:       (not configured)")
			}

			// Providers
			carriers := "account default"
			if len(cfg.ShipStation.CarrierIDs) > 0 {
				carriers = strings.Join(cfg.ShipStation.CarrierIDs, ",")
			}
			fmt.Fprintf(out, "Carrier:   shipstation key=%s carriers=%s markup=$%.2f\n",
				setOrNot(cfg.ShipStation.APIKey), carriers, cfg.ShipStation.Markup)
			if cfg.Oxapay.MerchantKey != "" {
				fmt.Fprintf(out, "Crypto:    oxapay currency=%s reconcile=%q\n", cfg.Oxapay.Currency, cfg.Oxapay.ReconcileSchedule)
			} else {
				fmt.Fprintln(out, "Crypto:    disabled (balance payments only)")
			}

			fmt.Fprintf(out, "Gateway:   port=%d bind=%s auth=%s\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)
			fmt.Fprintf(out, "Session:   ttl=%s sweep=%q debounce=%s\n",
				cfg.Session.TTL(), cfg.Session.SweepSchedule, cfg.Session.Debounce())
			if cfg.Events.NATSURL != "" {
				fmt.Fprintf(out, "Events:    nats=%s prefix=%s\n", cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
			}

			// Store
			fmt.Fprintf(out, "Store:     driver=%s", cfg.Store.Driver)
			if db, err := openStoreIfPresent(cfg); err != nil {
				fmt.Fprintf(out, " error=%v\n", err)
			} else if db == nil {
				fmt.Fprintln(out, " (not created yet)")
			} else {
				defer db.Close()
				ctx := context.Background()
				sessions, _ := store.NewSessionStore(db).Count(ctx)
				orders, _ := store.NewOrderStore(db).CountOrders(ctx)
				fmt.Fprintf(out, " sessions=%d orders=%d\n", sessions, orders)
			}

			// Validation
			issues := config.Ready(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}

			return nil
		},
	}

	return cmd
}

func setOrNot(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "set"
}

// openStoreIfPresent opens the configured store without creating a new
// SQLite file. It returns nil, nil when there is nothing to open.
func openStoreIfPresent(cfg config.Config) (*store.DB, error) {
	switch cfg.Store.Driver {
	case "memory":
		return nil, nil
	case "", "sqlite":
		path := cfg.Store.DSN
		if path == "" {
			path = paths.Database
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, nil
		}
	}
	return store.OpenDriver(cfg.Store.Driver, cfg.Store.DSN, paths.Database, log)
}
