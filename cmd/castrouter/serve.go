package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go2tv.app/castrouter/castprotocol"
	"go2tv.app/castrouter/devices"
	"go2tv.app/castrouter/httphandlers"
	"go2tv.app/castrouter/internal/config"
	"go2tv.app/castrouter/mediarouter"
)

const (
	connectRetryDelay = 4 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type serveFlags struct {
	listen   string
	logLevel string
	minBuild string
	pretty   bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket bridge and Cast route provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.GetAppConfig()
			if err != nil {
				return errors.Wrap(err, "serve config error")
			}
			if err := flags.apply(cmd, conf); err != nil {
				return errors.Wrap(err, "serve flags error")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, conf, flags.pretty)
		},
	}

	cmd.Flags().StringVar(&flags.listen, "listen", "", "Address to listen on (overrides the settings file).")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error.")
	cmd.Flags().StringVar(&flags.minBuild, "min-build", "", "Hide devices with an older cast build.")
	cmd.Flags().BoolVar(&flags.pretty, "pretty", false, "Human readable console logs.")
	return cmd
}

// apply lets command line flags override the settings file and environment.
func (f serveFlags) apply(cmd *cobra.Command, conf *config.Config) error {
	if cmd.Flags().Changed("listen") {
		conf.ListenAddr = f.listen
	}
	if cmd.Flags().Changed("log-level") {
		conf.LogLevel = f.logLevel
	}
	if cmd.Flags().Changed("min-build") {
		conf.MinCastBuild = f.minBuild
	}
	return conf.Validate()
}

func serve(ctx context.Context, conf *config.Config, pretty bool) error {
	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	zerolog.SetGlobalLevel(conf.Level())
	logger := zerolog.New(out).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loop := mediarouter.NewLoop()

	discoveryOpts := []devices.Option{
		devices.WithQueryTimeout(conf.MDNSQueryTimeout()),
		devices.WithMinBuild(conf.MinCastBuild),
		devices.WithLogOutput(out),
	}
	if conf.Eureka {
		discoveryOpts = append(discoveryOpts, devices.WithEureka(devices.NewEurekaClient(conf.EurekaRetries)))
	}
	discovery := devices.NewDiscovery(discoveryOpts...)

	launcher := castprotocol.NewLauncher(loop,
		castprotocol.WithConnectRetries(conf.ConnectRetries, connectRetryDelay),
		castprotocol.WithStopTimeout(conf.StopTimeout()),
		castprotocol.WithLogOutput(out),
	)

	bridge := httphandlers.NewBridge(loop,
		httphandlers.WithRateLimit(conf.ClientRateLimit, conf.ClientBurst),
		httphandlers.WithBridgeLogOutput(out),
	)

	provider := mediarouter.NewProvider(loop, discovery, launcher, bridge,
		mediarouter.WithMetrics(mediarouter.NewMetrics(reg)),
		mediarouter.WithRequestTimeout(conf.RequestTimeout()),
		mediarouter.WithSweepInterval(conf.SweepInterval()),
		mediarouter.WithLogger(logger.With().Str("Component", "provider").Logger()),
	)
	bridge.SetProvider(provider)

	// The loop outlives ctx so shutdown can still disconnect pages on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	discovery.Start(ctx)
	go provider.RunSweeper(ctx)
	go func() { _ = loop.Run(loopCtx) }()

	srv := httphandlers.NewServer(conf.ListenAddr, bridge, discovery, reg)
	serverStarted := make(chan error, 1)
	go srv.StartServer(serverStarted)

	if err := <-serverStarted; err != nil {
		return errors.Wrap(err, "serve listen error")
	}
	logger.Info().Str("Method", "serve").Str("Addr", conf.ListenAddr).Msg("listening")

	<-ctx.Done()
	logger.Info().Str("Method", "serve").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.StopServer(shutdownCtx); err != nil {
		return errors.Wrap(err, "serve shutdown error")
	}
	return nil
}
