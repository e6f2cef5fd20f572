package grpcsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
	"github.com/hanpama/deferstream/internal/grpcsource/grpcsourcetest"
	"github.com/hanpama/deferstream/internal/incremental"
	language "github.com/hanpama/deferstream/internal/language"
)

const itemsMethod = grpcsourcetest.ItemsMethod

func startFeed(t *testing.T) (*grpcsourcetest.Feed, []grpc.DialOption) {
	t.Helper()
	return grpcsourcetest.Bufconn(t)
}

func newClient(t *testing.T, dial []grpc.DialOption, opts ...Option) *Client {
	t.Helper()
	resolver := NewResolver()
	resolver.Route(grpcsourcetest.Service, grpcsourcetest.BufTarget)
	c := New(append([]Option{WithProvider(resolver), WithDialOptions(dial...)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func request(t *testing.T, m map[string]any) *structpb.Value {
	t.Helper()
	return grpcsourcetest.Request(t, m)
}

func waitCancelled(t *testing.T, fs *grpcsourcetest.Feed) {
	t.Helper()
	select {
	case <-fs.Cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed cancellation")
	}
}

type closeLog struct {
	mu     sync.Mutex
	opens  []events.GRPCStreamOpen
	closes []events.GRPCStreamClose
}

func captureStreamEvents(t *testing.T) *closeLog {
	t.Helper()
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	l := &closeLog{}
	eventbus.On(bus, func(_ context.Context, e events.GRPCStreamOpen) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.opens = append(l.opens, e)
	})
	eventbus.On(bus, func(_ context.Context, e events.GRPCStreamClose) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.closes = append(l.closes, e)
	})
	return l
}

func TestSource_ReceivesUntilEOF(t *testing.T) {
	log := captureStreamEvents(t)
	_, dial := startFeed(t)
	c := newClient(t, dial)
	ctx := context.Background()

	src, err := c.Open(ctx, itemsMethod, request(t, map[string]any{"items": []any{1, "two", map[string]any{"three": true}}}))
	require.NoError(t, err)

	var got []any
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, item)
	}
	require.Equal(t, []any{float64(1), "two", map[string]any{"three": true}}, got)
	require.Equal(t, 3, src.Items())

	_, err = src.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Close(ctx))

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.opens, 1)
	require.Len(t, log.closes, 1)
	require.Equal(t, log.opens[0].Stream, log.closes[0].Stream)
	require.Equal(t, itemsMethod, log.closes[0].Method)
	require.Equal(t, 3, log.closes[0].Items)
	require.Equal(t, codes.OK, log.closes[0].Code)
}

func TestSource_ServerError(t *testing.T) {
	_, dial := startFeed(t)
	c := newClient(t, dial)
	ctx := context.Background()

	src, err := c.Open(ctx, itemsMethod, request(t, map[string]any{"items": []any{"a"}, "fail": "gone"}))
	require.NoError(t, err)

	item, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", item)

	_, err = src.Next(ctx)
	require.Equal(t, codes.NotFound, status.Code(err))
	_, again := src.Next(ctx)
	require.Equal(t, err, again)
	require.NoError(t, src.Close(ctx))
}

func TestSource_CloseUnblocksReceive(t *testing.T) {
	fs, dial := startFeed(t)
	c := newClient(t, dial)
	ctx := context.Background()

	src, err := c.Open(ctx, itemsMethod, request(t, map[string]any{"hang": true}))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, src.Close(ctx))
	select {
	case err := <-errc:
		require.ErrorIs(t, err, incremental.ErrSourceClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	waitCancelled(t, fs)

	require.NoError(t, src.Close(ctx))
	_, err = src.Next(ctx)
	require.ErrorIs(t, err, incremental.ErrSourceClosed)
}

func TestSource_NextContextAbortsCall(t *testing.T) {
	fs, dial := startFeed(t)
	c := newClient(t, dial)

	src, err := c.Open(context.Background(), itemsMethod, request(t, map[string]any{"hang": true}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	waitCancelled(t, fs)
	require.NoError(t, src.Close(context.Background()))
}

func TestSource_Metadata(t *testing.T) {
	fs, dial := startFeed(t)
	c := newClient(t, dial, WithMetadata("x-tenant", "acme"))
	ctx := context.Background()

	src, err := c.Open(ctx, itemsMethod, request(t, map[string]any{}))
	require.NoError(t, err)
	_, err = src.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	md := <-fs.MD
	require.Equal(t, []string{"acme"}, md.Get("x-tenant"))
	require.Equal(t, []string{"feed.Feed"}, md.Get("x-deferstream-service"))
}

func TestNewSource_DirectConn(t *testing.T) {
	_, dial := startFeed(t)
	cc, err := grpc.NewClient(grpcsourcetest.BufTarget, dial...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	ctx := context.Background()

	src, err := NewSource(ctx, cc, itemsMethod, request(t, map[string]any{"items": []any{"x"}}))
	require.NoError(t, err)
	item, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", item)
	require.NoError(t, src.Close(ctx))

	_, err = NewSource(ctx, cc, "feed.Feed.Items", request(t, map[string]any{}))
	require.ErrorIs(t, err, ErrBadMethod)
}

func TestClient_OpenErrors(t *testing.T) {
	ctx := context.Background()
	req := &structpb.Value{}

	_, err := New().Open(ctx, itemsMethod, req)
	require.ErrorContains(t, err, "provider not configured")

	c := New(WithProvider(NewResolver()))
	_, err = c.Open(ctx, itemsMethod, req)
	require.ErrorIs(t, err, ErrNoEndpoints)

	for _, m := range []string{"", "feed.Feed/Items", "/feed.Feed", "/feed.Feed/", "/a/b/c"} {
		_, err = c.Open(ctx, m, req)
		require.ErrorIs(t, err, ErrBadMethod, m)
	}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Open(ctx, itemsMethod, req)
	require.ErrorIs(t, err, ErrClosed)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	r, err := ParseEndpoints([]string{" feed.Feed = h1:1 ", "fallback:9", "", "feed.Feed=h2:2"})
	require.NoError(t, err)

	got, err := r.Endpoints(ctx, "feed.Feed")
	require.NoError(t, err)
	require.Equal(t, []string{"h1:1", "h2:2"}, got)
	got[0] = "mutated"

	got, err = r.Endpoints(ctx, "other.Other")
	require.NoError(t, err)
	require.Equal(t, []string{"fallback:9"}, got)

	r.Route("other.Other", "h3:3")
	got, err = r.Endpoints(ctx, "other.Other")
	require.NoError(t, err)
	require.Equal(t, []string{"h3:3"}, got)

	got, err = r.Endpoints(ctx, "feed.Feed")
	require.NoError(t, err)
	require.Equal(t, "h1:1", got[0])

	_, err = NewResolver().Endpoints(ctx, "feed.Feed")
	require.ErrorIs(t, err, ErrNoEndpoints)

	for _, spec := range []string{"=h:1", "feed.Feed=", " = "} {
		_, err := ParseEndpoints([]string{spec})
		require.ErrorIs(t, err, ErrBadEndpoint, spec)
	}
}

func TestSource_FilterTerminatesCall(t *testing.T) {
	fs, dial := startFeed(t)
	c := newClient(t, dial)
	ctx := context.Background()

	src, err := c.Open(ctx, itemsMethod, request(t, map[string]any{"items": []any{"first"}, "hang": true}))
	require.NoError(t, err)

	path := func(elems ...any) language.Path {
		p, err := language.PathFromValues(elems)
		require.NoError(t, err)
		return p
	}

	p := incremental.New()
	first := p.NewStreamItems(path("feed", 0), "", nil, src)
	sibling := p.NewDeferredFragment(path("other"), "", nil)
	require.NoError(t, p.PublishInitial())
	sub := p.Subscribe(ctx)

	item, err := src.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CompleteStream(first, []any{item}))
	res, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, res.HasNext)

	next := p.NewStreamItems(path("feed", 1), "", first, src)
	p.Filter(ctx, path("feed"), nil)
	require.NoError(t, p.CompleteDeferred(sibling, nil))
	res, err = sub.Next(ctx)
	require.NoError(t, err)
	require.False(t, res.HasNext)
	require.NoError(t, sub.Close(ctx))

	waitCancelled(t, fs)
	_, err = src.Next(ctx)
	require.ErrorIs(t, err, incremental.ErrSourceClosed)
	require.False(t, next.Completed())
}
