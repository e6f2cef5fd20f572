// Package grpcsource streams @stream list items from a server-streaming gRPC
// method. Each response message is a google.protobuf.Value; a Source exposes
// the call as an incremental.ItemSource.
package grpcsource

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

// Client opens stream sources with connection pooling and endpoint discovery
// through an EndpointProvider.
type Client struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Client{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

// Open starts the server-streaming call method (in /package.Service/Method
// form) with req as its single request message. The returned source owns a
// pooled connection until it is exhausted or closed.
func (c *Client) Open(ctx context.Context, method string, req proto.Message) (*Source, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.opts.Provider == nil {
		return nil, fmt.Errorf("grpcsource: provider not configured")
	}
	service, err := ServiceOf(method)
	if err != nil {
		return nil, err
	}

	endpoints, err := c.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	cc, err := c.getConn(endpoint)
	if err != nil {
		return nil, err
	}

	s, err := open(ctx, cc, method, req, c.outgoing(service), c.opts.CallOptions)
	if err != nil {
		c.returnConn(endpoint, cc)
		return nil, err
	}
	s.release = func() { c.returnConn(endpoint, cc) }
	return s, nil
}

func (c *Client) outgoing(service string) []string {
	md := []string{"x-deferstream-service", service}
	return append(md, c.opts.Metadata...)
}

// Close releases every pooled connection. Sources opened earlier keep their
// connection until they finish.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.close()
	}
	c.pools = map[string]*connPool{}
	return nil
}

// ServiceOf returns the service part of a /package.Service/Method name.
func ServiceOf(method string) (string, error) {
	rest, ok := strings.CutPrefix(method, "/")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadMethod, method)
	}
	service, name, ok := strings.Cut(rest, "/")
	if !ok || service == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadMethod, method)
	}
	return service, nil
}

// ---------------- internals ----------------

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case cc := <-p.conns:
			_ = cc.Close()
		default:
			return
		}
	}
}

func (c *Client) getConn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool == nil {
		c.mu.Lock()
		pool = c.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, c.opts)
			c.pools[endpoint] = pool
		}
		c.mu.Unlock()
	}
	return pool.get()
}

func (c *Client) returnConn(endpoint string, cc *grpc.ClientConn) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
