package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	logFormatFlag    = "log-format"
	logFormatConf    = "log.format"
	logLevelFlag     = "log-level"
	logLevelConf     = "log.level"
	nextTimeoutFlag  = "next-timeout"
	otelEndpointFlag = "otel-endpoint"
	otelEndpointConf = "otel.endpoint"
	otelServiceFlag  = "otel-service"
	otelServiceConf  = "otel.service"
	metricsFlag      = "metrics"
	grpcEndpointFlag = "grpc-endpoint"
	grpcEndpointConf = "grpc.endpoint"
	grpcMaxConnsFlag = "grpc-max-conns"
	grpcMaxConnsConf = "grpc.max-conns"
	prettyFlag       = "pretty"
)

// NewRootCommand wires every subcommand. Settings are read from CLI flags,
// environment variables prefixed with DEFERSTREAM, or config.yaml (in that
// order).
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DEFERSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, path := range []string{"/etc/deferstream", "$HOME/.deferstream", "."} {
		v.AddConfigPath(path)
	}
	// a missing config file is fine
	_ = v.ReadInConfig()

	root := &cobra.Command{
		Use:   "deferstream",
		Short: "Replay GraphQL incremental delivery sessions",
		Long: `Replay GraphQL incremental delivery (@defer/@stream) sessions.

A scenario file declares deferred fragments and stream records and an ordered
list of collaborator steps. The replay prints every frame the consumer
observes as one JSON document per line.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String(logFormatFlag, "text", "log format: json or text")
	mustBindPFlag(v, logFormatConf, flags.Lookup(logFormatFlag))
	flags.String(logLevelFlag, "info", "log level: none, debug, info, warn or error")
	mustBindPFlag(v, logLevelConf, flags.Lookup(logLevelFlag))

	root.AddCommand(newReplayCommand(v), newValidateCommand())
	return root
}

// mustBindPFlag binds key to flag and panics if the binding fails.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}
