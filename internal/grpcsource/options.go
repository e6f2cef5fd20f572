package grpcsource

import (
	"google.golang.org/grpc"
)

// Options configures the client.
//
// Defaults:
// - MaxConnsPerEndpoint: 2
// - DialOptions:         insecure credentials
//
// Provider must be set (use a Resolver or a custom implementation);
// Open fails without one.
type Options struct {
	Provider EndpointProvider

	MaxConnsPerEndpoint int

	DialOptions []grpc.DialOption
	CallOptions []grpc.CallOption

	// Metadata is appended to every outgoing stream as key/value pairs.
	Metadata []string
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
func WithCallOptions(opts ...grpc.CallOption) Option {
	return func(o *Options) { o.CallOptions = opts }
}

// WithMetadata appends key/value pairs to the outgoing metadata of every
// stream.
func WithMetadata(kv ...string) Option {
	return func(o *Options) { o.Metadata = append(o.Metadata, kv...) }
}
