package incremental

import (
	language "github.com/hanpama/deferstream/internal/language"
)

// IncrementalResult is one entry of a subsequent payload: a *DeferredResult or
// a *StreamResult.
type IncrementalResult interface {
	incremental()
}

// DeferredResult carries the data of a completed deferred fragment. Data is
// always present on the wire; nil encodes as null.
type DeferredResult struct {
	Path   language.Path      `json:"path"`
	Label  string             `json:"label,omitempty"`
	Errors language.ErrorList `json:"errors,omitempty"`
	Data   map[string]any     `json:"data"`
}

// StreamResult carries one completed batch of stream items.
type StreamResult struct {
	Path   language.Path      `json:"path"`
	Label  string             `json:"label,omitempty"`
	Errors language.ErrorList `json:"errors,omitempty"`
	Items  []any              `json:"items"`
}

func (*DeferredResult) incremental() {}
func (*StreamResult) incremental()   {}

// SubsequentResult is one frame handed to the consumer. A terminal frame has
// HasNext false; it may carry no entries when the last event was a stream
// running out of items.
type SubsequentResult struct {
	Incremental []IncrementalResult `json:"incremental,omitempty"`
	HasNext     bool                `json:"hasNext"`
}

// InitialResult is the synchronous part of the response. HasNext is only
// written when subsequent results follow.
type InitialResult struct {
	Data    map[string]any     `json:"data"`
	Errors  language.ErrorList `json:"errors,omitempty"`
	HasNext bool               `json:"hasNext,omitempty"`
}
