// Package metrics exposes Prometheus collectors fed by publisher and gRPC
// source events.
package metrics

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
)

const namespace = "deferstream"

// Collectors groups every metric recorded for incremental delivery sessions.
type Collectors struct {
	SubscriptionsStarted  prometheus.Counter
	SubscriptionsFinished *prometheus.CounterVec
	SubscriptionDuration  prometheus.Histogram
	Frames                prometheus.Counter
	FrameRecords          prometheus.Histogram
	BranchesFiltered      prometheus.Counter
	RecordsFiltered       prometheus.Counter
	SourcesCancelled      *prometheus.CounterVec
	GRPCStreamItems       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		SubscriptionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_started_total",
			Help:      "The total number of subscriptions that started pulling subsequent results.",
		}),
		SubscriptionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_finished_total",
			Help:      "The total number of finished subscriptions by outcome.",
		}, []string{"outcome"}),
		SubscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_duration_seconds",
			Help:      "Time from subscribe to the terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_emitted_total",
			Help:      "The total number of subsequent result frames handed to consumers.",
		}),
		FrameRecords: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_records",
			Help:      "The number of incremental entries per frame.",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100},
		}),
		BranchesFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_filtered_total",
			Help:      "The total number of null-bubble filters applied.",
		}),
		RecordsFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_filtered_total",
			Help:      "The total number of records pruned by filters.",
		}),
		SourcesCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_cancelled_total",
			Help:      "The total number of stream sources that received a termination request.",
		}, []string{"result"}),
		GRPCStreamItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_stream_items_total",
			Help:      "The total number of items received from gRPC stream sources.",
		}, []string{"method", "code"}),
	}
}

// Attach feeds c from events published on b. The returned function detaches
// all handlers.
func (c *Collectors) Attach(b *eventbus.Bus) (detach func()) {
	unsubs := []func(){
		eventbus.On(b, func(_ context.Context, _ events.SubscriptionStart) {
			c.SubscriptionsStarted.Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.FrameEmitted) {
			c.Frames.Inc()
			c.FrameRecords.Observe(float64(e.Records))
		}),
		eventbus.On(b, func(_ context.Context, e events.BranchFiltered) {
			c.BranchesFiltered.Inc()
			c.RecordsFiltered.Add(float64(e.Removed))
		}),
		eventbus.On(b, func(_ context.Context, e events.SourceCancelled) {
			result := "ok"
			if e.Err != nil {
				result = "error"
			}
			c.SourcesCancelled.WithLabelValues(result).Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.SubscriptionFinish) {
			c.SubscriptionsFinished.WithLabelValues(outcome(e)).Inc()
			c.SubscriptionDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.GRPCStreamClose) {
			c.GRPCStreamItems.WithLabelValues(e.Method, e.Code.String()).Add(float64(e.Items))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func outcome(e events.SubscriptionFinish) string {
	switch {
	case e.Err != nil:
		return "error"
	case e.Cancelled > 0:
		return "cancelled"
	default:
		return "completed"
	}
}

// WriteText writes every metric family gathered from g in the Prometheus text
// exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
