package incremental

import (
	language "github.com/hanpama/deferstream/internal/language"
)

// Record is a node of the incremental delivery tree: either a
// *DeferredFragment or a *StreamItems. Records are created through a
// Publisher and belong to it for their whole lifetime.
type Record interface {
	Path() language.Path
	Label() string
	// Parent returns the owning record, or nil when the record hangs off the
	// root.
	Parent() Record
	Children() []Record
	Errors() language.ErrorList
	Completed() bool

	node() *record
}

// record holds the state shared by both variants. All mutable fields are
// guarded by owner.mu.
type record struct {
	owner  *Publisher
	self   Record
	path   language.Path
	label  string
	parent *record // non-owning; &owner.root for top-level records

	children  []Record
	errors    language.ErrorList
	completed bool
	drained   bool
}

func (r *record) node() *record { return r }

// Path returns the response path of the record.
func (r *record) Path() language.Path { return r.path }

// Label returns the @defer/@stream label, or "" when none was given.
func (r *record) Label() string { return r.label }

func (r *record) Parent() Record {
	if r.parent == nil {
		return nil
	}
	return r.parent.self
}

// Children returns a snapshot of the records currently attached under r.
func (r *record) Children() []Record {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return append([]Record(nil), r.children...)
}

func (r *record) Errors() language.ErrorList {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return append(language.ErrorList(nil), r.errors...)
}

func (r *record) Completed() bool {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.completed
}

func (r *record) addChild(c Record) {
	r.children = append(r.children, c)
}

func (r *record) removeChild(c Record) {
	for i, x := range r.children {
		if x == c {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return
		}
	}
}

// DeferredFragment is a sub-result produced by a @defer fragment and merged
// into the response at its path once completed.
type DeferredFragment struct {
	record
	data map[string]any
}

// Data returns the completed payload. A nil map is a valid null completion.
func (f *DeferredFragment) Data() map[string]any {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	return f.data
}

// StreamItems is a segment of a @stream list. Its items are pulled by the
// collaborator from Source; the publisher only ever terminates the source.
type StreamItems struct {
	record
	items     []any
	source    ItemSource
	exhausted bool
}

func (s *StreamItems) Items() []any {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.items
}

func (s *StreamItems) Source() ItemSource { return s.source }

// Exhausted reports whether the source ran out of items. An exhausted record
// is drained like any other but contributes nothing to the output.
func (s *StreamItems) Exhausted() bool {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.exhausted
}

var (
	_ Record = (*DeferredFragment)(nil)
	_ Record = (*StreamItems)(nil)
)
