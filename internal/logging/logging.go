// Package logging builds the process logger and mirrors publisher events into
// it.
package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
	reqid "github.com/hanpama/deferstream/internal/reqid"
)

// Levels accepted by New, in increasing severity.
var Levels = []string{"none", "debug", "info", "warn", "error"}

// New builds a zap logger. format is "json" or "text"; level is one of
// Levels. The "none" level yields a no-op logger.
func New(format, level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.CallerKey = ""
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "json":
	case "text":
		cfg.Encoding = "console"
		cfg.DisableCaller = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return cfg.Build()
}

// MustNew is New that panics on error.
func MustNew(format, level string) *zap.Logger {
	l, err := New(format, level)
	if err != nil {
		panic(err)
	}
	return l
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level: %s", level)
}

// ForContext returns l annotated with the session ID carried by ctx, if any.
func ForContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	if id, ok := reqid.FromContext(ctx); ok {
		return l.With(zap.Int64("session_id", id))
	}
	return l
}

// Attach logs every publisher and gRPC source event published on b. The
// returned function detaches all handlers.
func Attach(b *eventbus.Bus, l *zap.Logger) (detach func()) {
	unsubs := []func(){
		eventbus.On(b, func(ctx context.Context, e events.SubscriptionStart) {
			ForContext(ctx, l).Debug("subscription started", zap.Int("pending", e.Pending))
		}),
		eventbus.On(b, func(ctx context.Context, e events.FrameEmitted) {
			ForContext(ctx, l).Debug("frame emitted",
				zap.Int("records", e.Records),
				zap.Int("drained", e.Drained),
				zap.Bool("has_next", e.HasNext))
		}),
		eventbus.On(b, func(ctx context.Context, e events.BranchFiltered) {
			ForContext(ctx, l).Info("branch filtered",
				zap.Stringer("null_path", e.NullPath),
				zap.Int("removed", e.Removed),
				zap.Int("sources", e.Sources))
		}),
		eventbus.On(b, func(ctx context.Context, e events.SourceCancelled) {
			log := ForContext(ctx, l)
			if e.Err != nil {
				log.Warn("stream source termination failed", zap.Stringer("path", e.Path), zap.Error(e.Err))
				return
			}
			log.Debug("stream source cancelled", zap.Stringer("path", e.Path))
		}),
		eventbus.On(b, func(ctx context.Context, e events.SubscriptionFinish) {
			fields := []zap.Field{
				zap.Int("frames", e.Frames),
				zap.Int("cancelled", e.Cancelled),
				zap.Duration("duration", e.Duration),
			}
			if e.Err != nil {
				fields = append(fields, zap.Error(e.Err))
			}
			ForContext(ctx, l).Info("subscription finished", fields...)
		}),
		eventbus.On(b, func(ctx context.Context, e events.GRPCStreamOpen) {
			ForContext(ctx, l).Debug("grpc stream opened", zap.String("method", e.Method))
		}),
		eventbus.On(b, func(ctx context.Context, e events.GRPCStreamClose) {
			ForContext(ctx, l).Debug("grpc stream closed",
				zap.String("method", e.Method),
				zap.Int("items", e.Items),
				zap.Stringer("code", e.Code),
				zap.Duration("duration", e.Duration))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
