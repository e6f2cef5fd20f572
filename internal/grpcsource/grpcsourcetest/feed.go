// Package grpcsourcetest runs an in-process feed.Feed service whose
// server-streaming Items method replays the items named in its request.
package grpcsourcetest

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	Service     = "feed.Feed"
	ItemsMethod = "/feed.Feed/Items"
	// BufTarget is the dial target to use with the options from Bufconn.
	BufTarget = "passthrough:///bufnet"
)

// Feed streams the "items" list of its request as individual values, then
// fails with the "fail" message, blocks until cancelled when "hang" is set,
// or ends the stream.
type Feed struct {
	// Cancelled receives once per hanging call the client cancelled.
	Cancelled chan struct{}
	// MD receives the incoming metadata of the first call.
	MD chan metadata.MD
}

func (f *Feed) items(stream grpc.ServerStream) error {
	req := &structpb.Value{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		select {
		case f.MD <- md:
		default:
		}
	}
	fields := req.GetStructValue().GetFields()
	for _, v := range fields["items"].GetListValue().GetValues() {
		if err := stream.SendMsg(v); err != nil {
			return err
		}
	}
	if msg := fields["fail"].GetStringValue(); msg != "" {
		return status.Error(codes.NotFound, msg)
	}
	if fields["hang"].GetBoolValue() {
		<-stream.Context().Done()
		select {
		case f.Cancelled <- struct{}{}:
		default:
		}
		return stream.Context().Err()
	}
	return nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: Service,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Items",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(*Feed).items(stream)
		},
	}},
}

// Serve runs a Feed on lis until the test ends.
func Serve(t testing.TB, lis net.Listener) *Feed {
	t.Helper()
	srv := grpc.NewServer()
	f := &Feed{Cancelled: make(chan struct{}, 8), MD: make(chan metadata.MD, 1)}
	srv.RegisterService(&serviceDesc, f)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return f
}

// Bufconn runs a Feed over an in-memory listener and returns the dial
// options reaching it through BufTarget.
func Bufconn(t testing.TB) (*Feed, []grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	f := Serve(t, lis)
	return f, []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// Request builds an Items request.
func Request(t testing.TB, m map[string]any) *structpb.Value {
	t.Helper()
	v, err := structpb.NewValue(m)
	require.NoError(t, err)
	return v
}
