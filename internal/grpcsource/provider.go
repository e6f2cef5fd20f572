package grpcsource

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// EndpointProvider resolves the dial targets serving a fully-qualified
// service name such as "feed.Feed". Implementations must be safe for
// concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// Resolver routes services to dial targets. A service without routes of its
// own is served by the default targets.
type Resolver struct {
	mu       sync.RWMutex
	routes   map[string][]string
	defaults []string
}

// NewResolver returns a Resolver whose default targets are defaults.
func NewResolver(defaults ...string) *Resolver {
	return &Resolver{
		routes:   make(map[string][]string),
		defaults: slices.Clone(defaults),
	}
}

// ParseEndpoints builds a Resolver from command-line specs. A spec is either
// "service=target", routing one service, or a bare "target" that serves every
// service without a route. Repeated specs accumulate.
func ParseEndpoints(specs []string) (*Resolver, error) {
	r := NewResolver()
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		service, target, routed := strings.Cut(spec, "=")
		if !routed {
			r.defaults = append(r.defaults, spec)
			continue
		}
		service, target = strings.TrimSpace(service), strings.TrimSpace(target)
		if service == "" || target == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadEndpoint, spec)
		}
		r.routes[service] = append(r.routes[service], target)
	}
	return r, nil
}

// Route adds targets for service.
func (r *Resolver) Route(service string, targets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[service] = append(r.routes[service], targets...)
}

func (r *Resolver) Endpoints(_ context.Context, service string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := r.routes[service]
	if len(targets) == 0 {
		targets = r.defaults
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, service)
	}
	return slices.Clone(targets), nil
}
