package incremental

import (
	"context"
	"io"
	"sync"
)

// ItemSource is an external producer of stream items supporting cooperative
// early termination.
//
// Next returns the next item, or io.EOF once the source is exhausted. Close
// requests graceful termination; it must be safe to call while a Next call is
// in flight and must not return before the source has stopped. Close may be
// called more than once.
//
// Implementations must be comparable (pointer types in practice): the
// publisher deduplicates sources by identity.
type ItemSource interface {
	Next(ctx context.Context) (any, error)
	Close(ctx context.Context) error
}

// SliceSource is an in-memory ItemSource over a fixed list of items.
type SliceSource struct {
	mu     sync.Mutex
	items  []any
	pos    int
	closes int
	err    error
}

// NewSliceSource returns a source yielding items in order.
func NewSliceSource(items ...any) *SliceSource {
	return &SliceSource{items: items}
}

// FailOnClose makes every Close call return err after closing.
func (s *SliceSource) FailOnClose(err error) *SliceSource {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return s
}

func (s *SliceSource) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return nil, ErrSourceClosed
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *SliceSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.err
}

// Closes returns how many times Close has been called.
func (s *SliceSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ ItemSource = (*SliceSource)(nil)
