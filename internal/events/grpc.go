package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCStreamOpen is emitted after a server-streaming call backing a stream
// source has been opened.
type GRPCStreamOpen struct {
	// Stream pairs open and close events of one call within the process.
	Stream uint64
	Method string
}

// GRPCStreamClose is emitted when a stream source finishes, either because the
// server ended the stream or because the source was terminated.
type GRPCStreamClose struct {
	Stream   uint64
	Method   string
	Items    int
	Code     codes.Code
	Err      error
	Duration time.Duration
}
