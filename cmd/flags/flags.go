package flags

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/guardian-switch/common"
	"github.com/ruteri/guardian-switch/config"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/relayserver"
	"github.com/ruteri/guardian-switch/transport"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr, metricsAddr string) *relayserver.HTTPServerConfig {
	return &relayserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadConfig reads --config when given and applies the command line channel
// overrides.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if channels := cCtx.StringSlice(ChannelFlag.Name); len(channels) > 0 {
		cfg.Channels = channels
	}
	if server := cCtx.String(DNSServerFlag.Name); server != "" {
		cfg.DNSServer = server
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BuildTransport creates the configured channels and the quorum transport
// over them.
func BuildTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...transport.MultiOption) (*transport.Multi, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels configured", interfaces.ErrConfiguration)
	}
	factory := transport.NewFactory(logger)
	if cfg.DNSServer != "" {
		factory.WithDiscoverer(transport.NewDiscoverer(cfg.DNSServer, logger))
	}
	return factory.NewMulti(ctx, cfg.Channels, cfg.Transport, opts...)
}

// ReadKey loads a hex encoded secret key from a file.
func ReadKey(path string) (*events.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: key file required", interfaces.ErrConfiguration)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return events.PrivateKeyFromHex(strings.TrimSpace(string(data)))
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to a YAML config file",
	EnvVars: []string{"GUARDIAN_SWITCH_CONFIG"},
}

var ChannelFlag = &cli.StringSliceFlag{
	Name:  "channel",
	Usage: "channel location URI, repeat for each channel (overrides the config file)",
}

var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Usage: "resolver address for dnstxt:// channel discovery",
}

var KeyFileFlag = &cli.StringFlag{
	Name:    "key-file",
	Usage:   "file with the hex encoded secret key",
	EnvVars: []string{"GUARDIAN_SWITCH_KEY_FILE"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
}
