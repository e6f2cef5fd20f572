package reqid

import (
	"context"
	"math/rand/v2"
)

// key is the context key for the session ID.
type key struct{}

// NewContext returns a copy of parent carrying a new random, non-zero session
// ID. It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int64N(1<<62) + 1
	return WithID(parent, id), id
}

// WithID returns a copy of parent carrying id.
func WithID(parent context.Context, id int64) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromContext extracts the session ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(key{}).(int64)
	return id, ok
}
