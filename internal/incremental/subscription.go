package incremental

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
)

// Subscription is the consumer side of a Publisher: a pull iterator over
// subsequent results. A publisher serves a single consumer.
type Subscription struct {
	p     *Publisher
	start time.Time

	mu        sync.Mutex
	frames    int
	cancelled int
	finished  bool
}

// Subscribe returns the pull iterator for p.
func (p *Publisher) Subscribe(ctx context.Context) *Subscription {
	p.mu.Lock()
	pending := p.pending.Size()
	p.mu.Unlock()
	eventbus.Publish(ctx, events.SubscriptionStart{Pending: pending})
	return &Subscription{p: p, start: time.Now()}
}

// Next blocks until a frame is ready and returns it. After the terminal frame
// (HasNext false), or once the subscription is closed, Next returns ErrDone.
// If ctx ends while waiting, Next returns ctx.Err() and may be called again.
func (s *Subscription) Next(ctx context.Context) (*SubsequentResult, error) {
	p := s.p
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrDone
		}
		// Taken before drain: children pushed by the drain close it, so a batch
		// that surfaces nothing is re-drained instead of waited on.
		wait := p.signal
		res, drained := p.drain()
		done := p.pending.Empty()
		if done {
			p.closed = true
		}
		p.mu.Unlock()

		if res != nil {
			s.mu.Lock()
			s.frames++
			s.mu.Unlock()
			eventbus.Publish(ctx, events.FrameEmitted{
				Records:  len(res.Incremental),
				Drained:  drained,
				HasNext:  res.HasNext,
				Terminal: !res.HasNext,
			})
			if done {
				s.finish(ctx, nil)
			}
			return res, nil
		}
		if done {
			s.finish(ctx, nil)
			return nil, ErrDone
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Seq adapts the subscription to range-over-func iteration. Iteration stops
// after the terminal frame or at the first error other than ErrDone, which is
// yielded. Breaking out of the loop closes the subscription.
func (s *Subscription) Seq(ctx context.Context) iter.Seq2[*SubsequentResult, error] {
	return func(yield func(*SubsequentResult, error) bool) {
		for {
			res, err := s.Next(ctx)
			if errors.Is(err, ErrDone) {
				return
			}
			if !yield(res, err) {
				_ = s.Close(ctx)
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Close ends the subscription early. Every stream source still pending, and
// every termination started by Filter, is awaited before Close returns.
// Termination errors are swallowed. Close is idempotent.
func (s *Subscription) Close(ctx context.Context) error {
	s.shutdown(ctx, nil)
	return nil
}

// CloseWithError ends the subscription like Close and then returns err to the
// caller.
func (s *Subscription) CloseWithError(ctx context.Context, err error) error {
	s.shutdown(ctx, err)
	return err
}

func (s *Subscription) shutdown(ctx context.Context, cause error) {
	p := s.p
	p.mu.Lock()
	var sources []pendingSource
	if !p.closed {
		p.closed = true
		seen := make(map[ItemSource]struct{})
		for _, v := range p.pending.Values() {
			if si, ok := v.(*StreamItems); ok && si.source != nil {
				if _, dup := seen[si.source]; !dup {
					seen[si.source] = struct{}{}
					sources = append(sources, pendingSource{path: si.path, src: si.source})
				}
			}
		}
		p.wake()
	}
	p.mu.Unlock()

	p.terminate(ctx, sources)
	p.terminations.Wait()

	s.mu.Lock()
	s.cancelled += len(sources)
	s.mu.Unlock()
	if cause != nil {
		p.logger.Debug("subscription aborted", zap.Error(cause), zap.Int("cancelled", len(sources)))
	}
	s.finish(ctx, cause)
}

func (s *Subscription) finish(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	ev := events.SubscriptionFinish{
		Frames:    s.frames,
		Cancelled: s.cancelled,
		Err:       cause,
		Duration:  time.Since(s.start),
	}
	s.mu.Unlock()
	eventbus.Publish(ctx, ev)
}
