package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/shipbot/internal/channel"
	"github.com/soyeahso/shipbot/internal/channel/irc"
	"github.com/soyeahso/shipbot/internal/channel/telegram"
	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/events"
	"github.com/soyeahso/shipbot/internal/gateway"
	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/notify"
	"github.com/soyeahso/shipbot/internal/routing"
	"github.com/soyeahso/shipbot/internal/scheduler"
)

const stopTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot, its webhooks and the admin gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Ready(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			channels := channel.NewRegistry(log)
			var tg *telegram.Channel
			if cfg.Telegram.Token != "" {
				tg, err = telegram.New(telegram.Config{
					Token:         cfg.Telegram.Token,
					Mode:          cfg.Telegram.Mode,
					WebhookURL:    cfg.Telegram.WebhookURL,
					WebhookSecret: cfg.Telegram.WebhookSecret,
					PollTimeout:   cfg.Telegram.PollTimeout,
					Debug:         cfg.Telegram.Debug,
				}, log)
				if err != nil {
					return err
				}
				channels.Register(tg)
			}
			if cfg.IRC != nil {
				channels.Register(irc.New(*cfg.IRC, log))
			}

			router := routing.NewRouter(a.engine, a.orch, channels, log, routing.Options{
				Metrics: a.metrics,
				Hooks:   a.hooks,
			})
			router.Wire(ctx, channels)

			admin := notify.NewAdmin(channels, adminTargets(cfg), log)
			admin.Attach(a.hooks, hooks.AdminEvents)

			if cfg.Events.NATSURL != "" {
				nc, err := events.Connect(cfg.Events.NATSURL, log)
				if err != nil {
					return err
				}
				defer nc.Close()
				events.NewPublisher(nc, cfg.Events.SubjectPrefix, log).Attach(a.hooks, hooks.AdminEvents)
			}

			sched := scheduler.New(scheduler.Jobs{
				Sessions:   a.sessions,
				TTL:        cfg.Session.TTL(),
				Reconciler: a.orch,
				RateCache:  a.rates,
				Metrics:    a.metrics,
			}, log)
			if err := sched.Schedule(cfg.Session.SweepSchedule, cfg.Oxapay.ReconcileSchedule); err != nil {
				return err
			}

			opts := []gateway.ServerOption{
				gateway.WithAdmin(a.orch),
				gateway.WithChannels(channels),
				gateway.WithHooks(a.hooks),
				gateway.WithMetrics(a.metrics.Handler()),
				gateway.WithPinger(a.db),
			}
			if tg != nil && cfg.Telegram.Mode == telegram.ModeWebhook {
				opts = append(opts, gateway.WithTelegramWebhook(http.HandlerFunc(tg.HandleWebhook)))
			}
			if a.orch.CryptoEnabled() {
				opts = append(opts, gateway.WithOxapay(a.orch, cfg.Oxapay.MerchantKey))
			}
			srv := gateway.New(cfg.Gateway, log, opts...)

			log.Info().
				Strs("channels", channels.List()).
				Str("store", a.db.Driver()).
				Bool("crypto", a.orch.CryptoEnabled()).
				Msg("shipbot starting")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return channels.Run(gctx) })
			g.Go(func() error { return admin.Run(gctx) })
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error { return srv.Start(gctx) })
			err = g.Wait()

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			channels.StopAll(sctx)
			return err
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

// adminTargets lists the chats that receive operator notifications.
func adminTargets(cfg config.Config) []notify.Target {
	var targets []notify.Target
	if cfg.Admin.TelegramID != "" && cfg.Telegram.Token != "" {
		targets = append(targets, notify.Target{ChannelID: telegram.ChannelID, To: cfg.Admin.TelegramID})
	}
	if cfg.IRC != nil && cfg.IRC.OpsChannel != "" {
		targets = append(targets, notify.Target{ChannelID: irc.ChannelID, To: cfg.IRC.OpsChannel})
	}
	return targets
}
