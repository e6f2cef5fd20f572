package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	"github.com/hanpama/deferstream/internal/grpcsource"
	"github.com/hanpama/deferstream/internal/logging"
	"github.com/hanpama/deferstream/internal/metrics"
	"github.com/hanpama/deferstream/internal/otel"
	reqid "github.com/hanpama/deferstream/internal/reqid"
	"github.com/hanpama/deferstream/internal/scenario"
)

func newReplayCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Play a scenario and print the frames the consumer observes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], v)
		},
	}

	flags := cmd.Flags()
	flags.Duration(nextTimeoutFlag, 100*time.Millisecond, "how long a next step waits before reporting the consumer as blocked")
	mustBindPFlag(v, nextTimeoutFlag, flags.Lookup(nextTimeoutFlag))
	flags.String(otelEndpointFlag, "", "OTLP collector endpoint; tracing is off when empty")
	mustBindPFlag(v, otelEndpointConf, flags.Lookup(otelEndpointFlag))
	flags.String(otelServiceFlag, "deferstream", "OpenTelemetry service name")
	mustBindPFlag(v, otelServiceConf, flags.Lookup(otelServiceFlag))
	flags.Bool(metricsFlag, false, "print Prometheus metrics to stderr after the replay")
	mustBindPFlag(v, metricsFlag, flags.Lookup(metricsFlag))
	flags.StringSlice(grpcEndpointFlag, nil, "dial target for gRPC sources, as service=target or a bare target serving every service (repeatable)")
	mustBindPFlag(v, grpcEndpointConf, flags.Lookup(grpcEndpointFlag))
	flags.Int(grpcMaxConnsFlag, 2, "pooled connections kept per gRPC endpoint")
	mustBindPFlag(v, grpcMaxConnsConf, flags.Lookup(grpcMaxConnsFlag))
	flags.Bool(prettyFlag, false, "indent JSON output")
	mustBindPFlag(v, prettyFlag, flags.Lookup(prettyFlag))

	return cmd
}

func runReplay(cmd *cobra.Command, file string, v *viper.Viper) error {
	logger, err := logging.New(v.GetString(logFormatConf), v.GetString(logLevelConf))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sc, err := scenario.Load(file)
	if err != nil {
		return fmt.Errorf("load %s: %w", file, err)
	}

	resolver, err := grpcsource.ParseEndpoints(v.GetStringSlice(grpcEndpointConf))
	if err != nil {
		return err
	}

	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	defer logging.Attach(bus, logger)()

	ctx, _ := reqid.NewContext(cmd.Context())
	shutdown, err := otel.Setup(ctx, bus, v.GetString(otelEndpointConf), v.GetString(otelServiceConf))
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("otel shutdown failed", zap.Error(err))
		}
	}()

	var reg *prometheus.Registry
	if v.GetBool(metricsFlag) {
		reg = prometheus.NewRegistry()
		defer metrics.New(reg).Attach(bus)()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if v.GetBool(prettyFlag) {
		enc.SetIndent("", "  ")
	}
	var encErr error
	logging.ForContext(ctx, logger).Info("replaying scenario", zap.String("name", sc.Name))
	_, err = scenario.Run(ctx, sc,
		scenario.WithLogger(logging.ForContext(ctx, logger)),
		scenario.WithNextTimeout(v.GetDuration(nextTimeoutFlag)),
		scenario.WithGRPCOptions(
			grpcsource.WithProvider(resolver),
			grpcsource.WithMaxConnsPerEndpoint(v.GetInt(grpcMaxConnsConf)),
		),
		scenario.WithOnEntry(func(e scenario.Entry) {
			if encErr == nil {
				encErr = enc.Encode(e)
			}
		}),
	)
	if err != nil {
		return err
	}
	if encErr != nil {
		return encErr
	}

	if reg != nil {
		return metrics.WriteText(cmd.ErrOrStderr(), reg)
	}
	return nil
}
