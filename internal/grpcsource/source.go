package grpcsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
	"github.com/hanpama/deferstream/internal/incremental"
)

var streamSeq atomic.Uint64

var streamDesc = &grpc.StreamDesc{ServerStreams: true}

// Source is an incremental.ItemSource over one server-streaming call. Items
// are the received google.protobuf.Value messages converted with AsInterface.
type Source struct {
	id     uint64
	method string
	start  time.Time

	// evctx carries the values of the opening context for events; it is
	// never cancelled.
	evctx  context.Context
	cancel context.CancelFunc
	stream grpc.ClientStream

	// recvMu is held for the duration of every RecvMsg so that Close can
	// wait for an in-flight receive.
	recvMu sync.Mutex

	mu       sync.Mutex
	items    int
	closed   bool
	finished bool
	endErr   error

	release func()
}

// NewSource opens method on cc directly, without pooling or discovery.
func NewSource(ctx context.Context, cc grpc.ClientConnInterface, method string, req proto.Message, opts ...Option) (*Source, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if _, err := ServiceOf(method); err != nil {
		return nil, err
	}
	return open(ctx, cc, method, req, o.Metadata, o.CallOptions)
}

func open(ctx context.Context, cc grpc.ClientConnInterface, method string, req proto.Message, md []string, callOpts []grpc.CallOption) (*Source, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if len(md) > 0 {
		sctx = metadata.AppendToOutgoingContext(sctx, md...)
	}
	stream, err := cc.NewStream(sctx, streamDesc, method, callOpts...)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}

	s := &Source{
		id:     streamSeq.Add(1),
		method: method,
		start:  time.Now(),
		evctx:  context.WithoutCancel(ctx),
		cancel: cancel,
		stream: stream,
	}
	eventbus.Publish(s.evctx, events.GRPCStreamOpen{Stream: s.id, Method: method})
	return s, nil
}

// Next receives the next item. It returns io.EOF once the server ends the
// stream and incremental.ErrSourceClosed after Close. Cancelling ctx while a
// receive is in flight aborts the whole call.
func (s *Source) Next(ctx context.Context) (any, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.mu.Lock()
	closed, finished, endErr := s.closed, s.finished, s.endErr
	s.mu.Unlock()
	switch {
	case closed:
		return nil, incremental.ErrSourceClosed
	case finished:
		return nil, endErr
	}

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	msg := &structpb.Value{}
	err := s.stream.RecvMsg(msg)
	if err == nil {
		s.mu.Lock()
		s.items++
		s.mu.Unlock()
		return msg.AsInterface(), nil
	}

	s.mu.Lock()
	closed = s.closed
	s.mu.Unlock()
	if closed {
		return nil, incremental.ErrSourceClosed
	}
	if errors.Is(err, io.EOF) {
		s.finish(io.EOF, nil)
		return nil, io.EOF
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	s.finish(err, err)
	return nil, err
}

// Close cancels the call and returns once no receive is in flight. It is
// safe to call concurrently with Next and more than once.
func (s *Source) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// wait for an in-flight RecvMsg
	s.recvMu.Lock()
	s.recvMu.Unlock()

	s.finish(incremental.ErrSourceClosed, context.Canceled)
	return nil
}

// Items returns how many items have been received so far.
func (s *Source) Items() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items
}

// Method returns the full method name of the call.
func (s *Source) Method() string { return s.method }

// finish records the terminal error returned by later Next calls, releases the
// connection and publishes the close event. Only the first call has effect.
func (s *Source) finish(endErr, cause error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.endErr = endErr
	items := s.items
	s.mu.Unlock()

	s.cancel()
	if s.release != nil {
		s.release()
	}
	code := codes.OK
	switch {
	case cause == nil:
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		code = status.FromContextError(cause).Code()
	default:
		code = status.Code(cause)
	}
	var evErr error
	if code != codes.OK && code != codes.Canceled {
		evErr = cause
	}
	eventbus.Publish(s.evctx, events.GRPCStreamClose{
		Stream:   s.id,
		Method:   s.method,
		Items:    items,
		Code:     code,
		Err:      evErr,
		Duration: time.Since(s.start),
	})
}

var _ incremental.ItemSource = (*Source)(nil)
