package incremental

import (
	"context"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
	language "github.com/hanpama/deferstream/internal/language"
)

// Filter prunes every descendant of origin (of the root when origin is nil)
// whose path starts with nullPath, after a field error bubbled a null up to
// nullPath. Pruned records leave both sets and their parent's children; the
// stream sources they own receive one termination request each.
//
// Filter never waits for the sources. Their termination runs in the
// background and is awaited by Subscription.Close.
func (p *Publisher) Filter(ctx context.Context, nullPath language.Path, origin Record) {
	p.mu.Lock()
	start := &p.root
	if origin != nil {
		start = origin.node()
	}
	if start.owner != p {
		p.mu.Unlock()
		p.logger.Warn("filter origin belongs to another publisher", zap.Stringer("path", start.path))
		return
	}

	var (
		removed int
		sources []pendingSource
		seen    = make(map[ItemSource]struct{})
	)
	for _, d := range descendants(start) {
		n := d.node()
		if !language.HasPrefix(n.path, nullPath) {
			continue
		}
		p.remove(d)
		n.parent.removeChild(d)
		removed++
		if s, ok := d.(*StreamItems); ok && s.source != nil {
			if _, dup := seen[s.source]; !dup {
				seen[s.source] = struct{}{}
				sources = append(sources, pendingSource{path: s.path, src: s.source})
			}
		}
	}
	closed := p.closed
	if len(sources) > 0 && !closed {
		bg := context.WithoutCancel(ctx)
		p.terminations.Go(func() { p.terminate(bg, sources) })
	}
	p.mu.Unlock()

	if len(sources) > 0 && closed {
		// Nobody awaits background work once the subscription is closed.
		p.terminate(context.WithoutCancel(ctx), sources)
	}

	p.logger.Debug("filtered null-bubbled branch",
		zap.Stringer("null_path", nullPath),
		zap.Int("removed", removed),
		zap.Int("sources", len(sources)))
	eventbus.Publish(ctx, events.BranchFiltered{NullPath: nullPath, Removed: removed, Sources: len(sources)})
}

// descendants returns every record below r, depth first.
func descendants(r *record) []Record {
	var out []Record
	for _, c := range r.children {
		out = append(out, c)
		out = append(out, descendants(c.node())...)
	}
	return out
}

type pendingSource struct {
	path language.Path
	src  ItemSource
}

// terminate closes every source concurrently and waits for all of them.
// Termination errors are logged and dropped.
func (p *Publisher) terminate(ctx context.Context, sources []pendingSource) {
	var wg conc.WaitGroup
	for _, s := range sources {
		wg.Go(func() {
			err := s.src.Close(ctx)
			if err != nil {
				p.logger.Debug("stream source termination failed",
					zap.Stringer("path", s.path),
					zap.Error(err))
			}
			eventbus.Publish(ctx, events.SourceCancelled{Path: s.path, Err: err})
		})
	}
	wg.Wait()
}
