package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/deferstream/internal/grpcsource"
	"github.com/hanpama/deferstream/internal/incremental"
	language "github.com/hanpama/deferstream/internal/language"
)

// Entry is what the consumer observed after a step, or the error a step
// produced.
type Entry struct {
	Step    int                           `json:"step"`
	Op      string                        `json:"op"`
	Initial *incremental.InitialResult    `json:"initial,omitempty"`
	Frame   *incremental.SubsequentResult `json:"frame,omitempty"`
	Blocked bool                          `json:"blocked,omitempty"`
	Done    bool                          `json:"done,omitempty"`
	Error   string                        `json:"error,omitempty"`
}

// Options configures Run.
type Options struct {
	Logger *zap.Logger
	// NextTimeout bounds next steps without their own timeout. A next that
	// times out is reported as blocked.
	NextTimeout time.Duration
	// OnEntry is called for every entry as soon as it is produced.
	OnEntry func(Entry)
	// GRPC configures the client opening the scenario's gRPC sources.
	GRPC []grpcsource.Option
}

// Option mutates Options.
type Option func(*Options)

func WithLogger(l *zap.Logger) Option        { return func(o *Options) { o.Logger = l } }
func WithNextTimeout(d time.Duration) Option { return func(o *Options) { o.NextTimeout = d } }
func WithOnEntry(f func(Entry)) Option       { return func(o *Options) { o.OnEntry = f } }

// WithGRPCOptions appends options for the gRPC client. A scenario with gRPC
// sources needs at least grpcsource.WithProvider.
func WithGRPCOptions(opts ...grpcsource.Option) Option {
	return func(o *Options) { o.GRPC = append(o.GRPC, opts...) }
}

func defaultOptions() *Options {
	return &Options{
		Logger:      zap.NewNop(),
		NextTimeout: 100 * time.Millisecond,
	}
}

type runner struct {
	sc   *Scenario
	opts *Options

	p       *incremental.Publisher
	sub     *incremental.Subscription
	decls   map[string]Record
	records map[string]incremental.Record
	sources map[string]incremental.ItemSource
	entries []Entry
}

// Run validates sc and plays it against a fresh Publisher. Publisher errors
// raised by a step (double completion, drained records) are reported as
// entries; structural problems abort the run.
func Run(ctx context.Context, sc *Scenario, opts ...Option) ([]Entry, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	r := &runner{
		sc:      sc,
		opts:    o,
		p:       incremental.New(incremental.WithLogger(o.Logger)),
		decls:   make(map[string]Record, len(sc.Records)),
		records: make(map[string]incremental.Record, len(sc.Records)),
		sources: make(map[string]incremental.ItemSource, len(sc.Sources)+len(sc.GRPC)),
	}
	for name, items := range sc.Sources {
		r.sources[name] = incremental.NewSliceSource(items...)
	}
	if len(sc.GRPC) > 0 {
		client := grpcsource.New(o.GRPC...)
		defer func() { _ = client.Close() }()
		for _, name := range slices.Sorted(maps.Keys(sc.GRPC)) {
			src, err := openGRPC(ctx, client, sc.GRPC[name])
			if err != nil {
				return nil, fmt.Errorf("grpc source %q: %w", name, err)
			}
			// closing a finished or cancelled call is a no-op
			defer func() { _ = src.Close(context.WithoutCancel(ctx)) }()
			r.sources[name] = src
			o.Logger.Debug("grpc source opened", zap.String("source", name), zap.String("method", src.Method()))
		}
	}
	for _, d := range sc.Records {
		r.decls[d.ID] = d
		if d.Lazy {
			continue
		}
		if err := r.create(d); err != nil {
			return nil, err
		}
	}

	defer func() {
		if r.sub != nil {
			_ = r.sub.Close(context.WithoutCancel(ctx))
		}
	}()
	for i, s := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return r.entries, err
		}
		o.Logger.Debug("scenario step", zap.Int("step", i), zap.String("op", s.Op), zap.String("record", s.Record))
		if err := r.step(ctx, i, s); err != nil {
			return r.entries, fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}
	}
	return r.entries, nil
}

func openGRPC(ctx context.Context, c *grpcsource.Client, g GRPCSource) (*grpcsource.Source, error) {
	req, err := structpb.NewValue(g.Request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	return c.Open(ctx, g.Method, req)
}

func (r *runner) emit(e Entry) {
	r.entries = append(r.entries, e)
	if r.opts.OnEntry != nil {
		r.opts.OnEntry(e)
	}
}

func (r *runner) create(d Record) error {
	if _, ok := r.records[d.ID]; ok {
		return fmt.Errorf("%w: record %q already created", ErrInvalidScenario, d.ID)
	}
	path, err := language.PathFromValues(d.Path)
	if err != nil {
		return fmt.Errorf("%w: record %q: %v", ErrInvalidScenario, d.ID, err)
	}
	var parent incremental.Record
	if d.Parent != "" {
		pr, ok := r.records[d.Parent]
		if !ok {
			return fmt.Errorf("%w: parent %q of %q not created yet", ErrUnknownRecord, d.Parent, d.ID)
		}
		parent = pr
	}
	switch d.Kind {
	case KindDefer:
		r.records[d.ID] = r.p.NewDeferredFragment(path, d.Label, parent)
	case KindStream:
		var src incremental.ItemSource
		if d.Source != "" {
			src = r.sources[d.Source]
		}
		r.records[d.ID] = r.p.NewStreamItems(path, d.Label, parent, src)
	}
	return nil
}

func (r *runner) record(id string) (incremental.Record, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q not created yet", ErrUnknownRecord, id)
	}
	return rec, nil
}

func (r *runner) step(ctx context.Context, i int, s Step) error {
	fail := func(err error) error {
		r.emit(Entry{Step: i, Op: s.Op, Error: err.Error()})
		return nil
	}

	switch s.Op {
	case OpCreate:
		return r.create(r.decls[s.Record])

	case OpPublishInitial:
		initial, sub, err := r.p.BuildResponse(ctx, s.Data, nil)
		if err != nil {
			return fail(err)
		}
		r.sub = sub
		r.emit(Entry{Step: i, Op: s.Op, Initial: initial})
		return nil

	case OpComplete:
		rec, err := r.record(s.Record)
		if err != nil {
			return err
		}
		switch rec := rec.(type) {
		case *incremental.DeferredFragment:
			err = r.p.CompleteDeferred(rec, s.Data)
		case *incremental.StreamItems:
			err = r.p.CompleteStream(rec, s.Items)
		}
		if err != nil {
			return fail(err)
		}
		return nil

	case OpPump:
		rec, err := r.record(s.Record)
		if err != nil {
			return err
		}
		return r.pump(ctx, rec.(*incremental.StreamItems), s.Count, fail)

	case OpExhaust:
		rec, err := r.record(s.Record)
		if err != nil {
			return err
		}
		if err := r.p.SetExhausted(rec.(*incremental.StreamItems)); err != nil {
			return fail(err)
		}
		return nil

	case OpError:
		rec, err := r.record(s.Record)
		if err != nil {
			return err
		}
		path, err := language.PathFromValues(s.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		if err := r.p.AddError(rec, language.FieldError(path, "%s", s.Message)); err != nil {
			return fail(err)
		}
		return nil

	case OpFilter:
		nullPath, err := language.PathFromValues(s.NullPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		var origin incremental.Record
		if s.Origin != "" {
			if origin, err = r.record(s.Origin); err != nil {
				return err
			}
		}
		r.p.Filter(ctx, nullPath, origin)
		return nil

	case OpNext:
		r.next(ctx, i, s)
		return nil

	case OpNextAll:
		for r.next(ctx, i, s) {
		}
		return nil

	case OpClose:
		if r.sub == nil {
			r.emit(Entry{Step: i, Op: s.Op, Done: true})
			return nil
		}
		e := Entry{Step: i, Op: s.Op, Done: true}
		if s.Message != "" {
			e.Error = r.sub.CloseWithError(ctx, errors.New(s.Message)).Error()
		} else if err := r.sub.Close(ctx); err != nil {
			e.Error = err.Error()
		}
		r.emit(e)
		return nil
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidScenario, s.Op)
}

// pump pulls up to count items from the record's source and completes the
// record with them. A source that is already exhausted marks the record
// exhausted instead.
func (r *runner) pump(ctx context.Context, rec *incremental.StreamItems, count int, fail func(error) error) error {
	if count <= 0 {
		count = 1
	}
	var items []any
	eof := false
	for len(items) < count {
		item, err := rec.Source().Next(ctx)
		if errors.Is(err, io.EOF) {
			eof = true
			break
		}
		if err != nil {
			return fail(err)
		}
		items = append(items, item)
	}
	if eof && len(items) == 0 {
		if err := r.p.SetExhausted(rec); err != nil {
			return fail(err)
		}
	}
	if err := r.p.CompleteStream(rec, items); err != nil {
		return fail(err)
	}
	return nil
}

// next pulls one frame and reports whether another pull may yield more.
func (r *runner) next(ctx context.Context, i int, s Step) bool {
	if r.sub == nil {
		r.emit(Entry{Step: i, Op: s.Op, Done: true})
		return false
	}
	timeout := r.opts.NextTimeout
	if s.Timeout != "" {
		timeout, _ = time.ParseDuration(s.Timeout)
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.sub.Next(nctx)
	switch {
	case err == nil:
		r.emit(Entry{Step: i, Op: s.Op, Frame: res})
		return res.HasNext
	case errors.Is(err, incremental.ErrDone):
		r.emit(Entry{Step: i, Op: s.Op, Done: true})
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		r.emit(Entry{Step: i, Op: s.Op, Blocked: true})
	default:
		r.emit(Entry{Step: i, Op: s.Op, Error: err.Error()})
	}
	return false
}
