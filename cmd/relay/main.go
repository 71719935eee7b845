// Command relay runs a relay server: a dumb broadcast node storing signed
// switch events in badger and serving them over websocket and HTTP.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/guardian-switch/cmd/flags"
	"github.com/ruteri/guardian-switch/eventstore"
	"github.com/ruteri/guardian-switch/relayserver"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	flags.ConfigFlag,
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on for websocket and HTTP clients (overrides the config file)",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to listen on for Prometheus metrics (overrides the config file)",
	},
	&cli.StringFlag{
		Name:  "data-dir",
		Usage: "badger data directory, empty keeps events in memory (overrides the config file)",
	},
	flags.LogServiceFlagFn("guardian-relay"),
}, append(flags.LogFlags, flags.ServerFlags...)...)

func main() {
	app := &cli.App{
		Name:  "relay",
		Usage: "Serve a guardian switch event relay",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}
			relayCfg := cfg.Relay
			if v := cCtx.String("listen-addr"); v != "" {
				relayCfg.ListenAddr = v
			}
			if v := cCtx.String("metrics-addr"); v != "" {
				relayCfg.MetricsAddr = v
			}
			if v := cCtx.String("data-dir"); v != "" {
				relayCfg.DataDir = v
			}

			store, err := eventstore.Open(eventstore.StoreConfig{
				Path:       relayCfg.DataDir,
				SyncWrites: relayCfg.SyncWrites,
			}, logger)
			if err != nil {
				logger.Error("Failed to open event store", "err", err)
				return err
			}
			defer store.Close()

			if relayCfg.DataDir == "" {
				logger.Warn("No data directory configured, events are kept in memory only")
			}

			handler := relayserver.NewHandler(store, relayserver.RateLimit{
				Rate:  relayCfg.RateLimit,
				Burst: relayCfg.RateBurst,
			}, logger)

			server, err := relayserver.New(flags.ConfigureServer(cCtx, logger, relayCfg.ListenAddr, relayCfg.MetricsAddr), handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
