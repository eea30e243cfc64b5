package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/pluginhost"
	"github.com/GoCodeAlone/pluginhost/httpapi"
	"github.com/GoCodeAlone/pluginhost/memstore"
)

// NewServeCommand creates the serve command
func NewServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the host until interrupted",
		Long: `Run the host: restore enabled modules, watch the deploy directory,
probe module health, drive rollouts and serve the operator API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *globalOptions) error {
	logger, err := newLogger(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	cfg, err := pluginhost.LoadConfig(opts.configFiles...)
	if err != nil {
		return err
	}
	store, err := memstore.New()
	if err != nil {
		return err
	}

	host, err := pluginhost.NewHost(cfg,
		pluginhost.WithLogger(logger),
		pluginhost.WithPersistence(store),
		pluginhost.WithLoader(BuiltinLoader()),
		pluginhost.WithMetricsRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		return err
	}

	apiErr := make(chan error, 1)
	if cfg.HTTP.Address != "" {
		go func() { apiErr <- httpapi.New(host).ListenAndServe(ctx, cfg.HTTP.Address) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("operator API: %w", err)
		}
	}

	return errors.Join(runErr, host.Stop(context.WithoutCancel(ctx)))
}
