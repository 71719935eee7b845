// Command guardiand runs a guardian: it accepts share assignments, watches the
// switches it guards and releases its share once a switch triggers.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/guardian-switch/cmd/flags"
	"github.com/ruteri/guardian-switch/health"
	"github.com/ruteri/guardian-switch/metrics"
	"github.com/ruteri/guardian-switch/release"
	"github.com/ruteri/guardian-switch/transport"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var cliFlags = append([]cli.Flag{
	flags.ConfigFlag,
	flags.ChannelFlag,
	flags.DNSServerFlag,
	flags.KeyFileFlag,
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8091",
		Usage: "address to listen on for Prometheus metrics, empty disables",
	},
	&cli.BoolFlag{
		Name:  "once",
		Usage: "run a single poll round and exit",
	},
	flags.LogServiceFlagFn("guardiand"),
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:  "guardiand",
		Usage: "Watch guarded switches and release shares on trigger",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			keyFile := cCtx.String(flags.KeyFileFlag.Name)
			if keyFile == "" {
				keyFile = cfg.Guardian.KeyFile
			}
			guardian, err := flags.ReadKey(keyFile)
			if err != nil {
				logger.Error("Failed to load guardian key", "err", err)
				return err
			}
			defer guardian.Zero()

			monitor, err := health.NewMonitor(cfg.Health, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			multi, err := flags.BuildTransport(ctx, cfg, logger, transport.WithHealthTracker(monitor))
			if err != nil {
				logger.Error("Failed to set up channels", "err", err)
				return err
			}

			svc := release.NewService(multi, logger)
			watcher := release.NewWatcher(svc, guardian, logger)
			logger.Info("Guardian started",
				"pubkey", guardian.PublicKeyHex(),
				"channels", len(multi.Channels()))

			if cCtx.Bool("once") {
				result, err := watcher.Poll(ctx)
				if err != nil {
					return err
				}
				logger.Info("Poll completed", "assignments", result.Assignments, "released", len(result.Released))
				return nil
			}

			if addr := cCtx.String("metrics-addr"); addr != "" {
				metricsSrv, err := metrics.New("guardiand", addr)
				if err != nil {
					return err
				}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil {
						logger.Debug("Metrics server stopped", "err", err)
					}
				}()
				defer metricsSrv.Shutdown(context.Background())
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return monitor.Run(gctx, multi.Channels(), cfg.Guardian.ProbeInterval)
			})
			g.Go(func() error {
				return watcher.Run(gctx, cfg.Guardian.PollInterval)
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				logger.Info("Shutdown signal received")
				return nil
			}
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
