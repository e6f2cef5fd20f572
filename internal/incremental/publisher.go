package incremental

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	language "github.com/hanpama/deferstream/internal/language"
)

// Options configures a Publisher.
type Options struct {
	Logger *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the logger used for debug output and swallowed source
// termination errors. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// Publisher coordinates delivery of the incremental part of one response. It
// owns the record tree, the pending and released sets, and the wake signal
// that connects producers to the consumer.
//
// Producer-side methods (record creation, completion, AddError, Filter) may be
// called from any goroutine and never block on the consumer.
type Publisher struct {
	mu sync.Mutex

	root record

	// pending holds introduced records not yet handed to the consumer;
	// released holds the completed subset that the next drain flushes.
	pending  *linkedhashset.Set
	released *linkedhashset.Set

	// signal is closed and replaced on every mutation.
	signal chan struct{}

	initialPublished bool
	closed           bool

	terminations conc.WaitGroup
	logger       *zap.Logger
}

// New creates a Publisher for a single response.
func New(opts ...Option) *Publisher {
	o := Options{}
	for _, f := range opts {
		f(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	p := &Publisher{
		pending:  linkedhashset.New(),
		released: linkedhashset.New(),
		signal:   make(chan struct{}),
		logger:   o.Logger,
	}
	p.root.owner = p
	p.root.completed = true
	return p
}

// NewDeferredFragment creates a deferred fragment record under parent, or
// under the root when parent is nil.
func (p *Publisher) NewDeferredFragment(path language.Path, label string, parent Record) *DeferredFragment {
	f := &DeferredFragment{}
	p.attach(&f.record, f, path, label, parent)
	return f
}

// NewStreamItems creates a stream items record under parent, or under the
// root when parent is nil. src may be nil when the items do not come from a
// cancellable source.
func (p *Publisher) NewStreamItems(path language.Path, label string, parent Record, src ItemSource) *StreamItems {
	s := &StreamItems{source: src}
	p.attach(&s.record, s, path, label, parent)
	return s
}

func (p *Publisher) attach(r *record, self Record, path language.Path, label string, parent Record) {
	r.owner = p
	r.self = self
	r.path = path
	r.label = label

	p.mu.Lock()
	defer p.mu.Unlock()

	r.parent = &p.root
	if parent != nil {
		pn := parent.node()
		if pn.owner != p {
			panic(fmt.Errorf("%w: parent at %s", ErrForeignRecord, pn.path.String()))
		}
		r.parent = pn
	}
	r.parent.addChild(self)

	// The parent already reached the consumer: nothing left to order against.
	if r.parent.drained || (r.parent == &p.root && p.initialPublished) {
		p.publish(self)
	}
}

// CompleteDeferred sets the fragment's data and releases it. A nil map is a
// valid null completion.
func (p *Publisher) CompleteDeferred(f *DeferredFragment, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkCompletable(&f.record); err != nil {
		return err
	}
	f.data = data
	f.completed = true
	p.release(f)
	return nil
}

// CompleteStream sets the record's items and releases it.
func (p *Publisher) CompleteStream(s *StreamItems, items []any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkCompletable(&s.record); err != nil {
		return err
	}
	s.items = items
	s.completed = true
	p.release(s)
	return nil
}

// SetExhausted marks that the record's source ran out of items. It does not
// complete the record; the collaborator still calls CompleteStream, after
// which the record is drained without producing an entry.
func (p *Publisher) SetExhausted(s *StreamItems) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.owner != p {
		return fmt.Errorf("%w: %s", ErrForeignRecord, s.path.String())
	}
	s.exhausted = true
	return nil
}

// AddError attaches a field error to r. Errors are delivered alongside the
// record's payload, so r must not have been delivered yet.
func (p *Publisher) AddError(r Record, err *language.Error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := r.node()
	if n.owner != p {
		return fmt.Errorf("%w: %s", ErrForeignRecord, n.path.String())
	}
	if n.drained {
		return fmt.Errorf("%w: %s", ErrRecordDrained, n.path.String())
	}
	n.errors = append(n.errors, err)
	return nil
}

func (p *Publisher) checkCompletable(r *record) error {
	if r.owner != p {
		return fmt.Errorf("%w: %s", ErrForeignRecord, r.path.String())
	}
	if r.completed {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, r.path.String())
	}
	return nil
}

// PublishInitial introduces every top-level record. It must be called once,
// after the synchronous part of the response has been computed and before the
// consumer starts iterating.
func (p *Publisher) PublishInitial() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialPublished {
		return ErrInitialPublished
	}
	p.initialPublished = true
	for _, c := range p.root.children {
		p.publish(c)
	}
	p.wake()
	return nil
}

// BuildResponse publishes the initial result and shapes the synchronous
// payload. When nothing is pending the returned subscription is nil and the
// payload carries no hasNext entry.
func (p *Publisher) BuildResponse(ctx context.Context, data map[string]any, errs language.ErrorList) (*InitialResult, *Subscription, error) {
	if err := p.PublishInitial(); err != nil {
		return nil, nil, err
	}
	res := &InitialResult{Data: data, Errors: errs}
	if !p.HasNext() {
		return res, nil, nil
	}
	res.HasNext = true
	return res, p.Subscribe(ctx), nil
}

// HasNext reports whether any record is still pending. It is the sole
// termination predicate of the session.
func (p *Publisher) HasNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.pending.Empty()
}

// ---------------- tracker (p.mu held) ----------------

func (p *Publisher) wake() {
	close(p.signal)
	p.signal = make(chan struct{})
}

func (p *Publisher) introduce(r Record) {
	p.pending.Add(r)
}

func (p *Publisher) release(r Record) {
	if p.pending.Contains(r) {
		p.released.Add(r)
		p.wake()
	}
}

func (p *Publisher) push(r Record) {
	p.pending.Add(r)
	p.released.Add(r)
	p.wake()
}

func (p *Publisher) remove(r Record) {
	p.pending.Remove(r)
	p.released.Remove(r)
	p.wake()
}

func (p *Publisher) publish(r Record) {
	if r.node().completed {
		p.push(r)
		return
	}
	p.introduce(r)
}

// drain flushes the released set and advances the frontier. It returns nil
// when the batch produced nothing worth surfacing.
func (p *Publisher) drain() (res *SubsequentResult, drained int) {
	batch := p.released.Values()
	if len(batch) == 0 {
		return nil, 0
	}
	for _, v := range batch {
		p.pending.Remove(v)
	}
	p.released = linkedhashset.New()

	entries := make([]IncrementalResult, 0, len(batch))
	sawExhausted := false
	for _, v := range batch {
		r := v.(Record)
		n := r.node()
		n.drained = true
		for _, c := range n.children {
			p.publish(c)
		}
		switch rec := r.(type) {
		case *StreamItems:
			if rec.exhausted {
				sawExhausted = true
				continue
			}
			entries = append(entries, &StreamResult{
				Path:   rec.path,
				Label:  rec.label,
				Errors: rec.errors,
				Items:  rec.items,
			})
		case *DeferredFragment:
			entries = append(entries, &DeferredResult{
				Path:   rec.path,
				Label:  rec.label,
				Errors: rec.errors,
				Data:   rec.data,
			})
		}
	}

	hasNext := !p.pending.Empty()
	p.logger.Debug("drained released records",
		zap.Int("records", len(batch)),
		zap.Int("entries", len(entries)),
		zap.Bool("has_next", hasNext))

	if len(entries) > 0 {
		return &SubsequentResult{Incremental: entries, HasNext: hasNext}, len(batch)
	}
	if sawExhausted && !hasNext {
		return &SubsequentResult{HasNext: false}, len(batch)
	}
	return nil, len(batch)
}
