package events

import (
	"time"

	language "github.com/hanpama/deferstream/internal/language"
)

// SubscriptionStart is emitted when a consumer starts pulling subsequent
// results from a publisher.
type SubscriptionStart struct {
	Pending int
}

// FrameEmitted is emitted for every frame handed to the consumer.
type FrameEmitted struct {
	Records  int
	Drained  int
	HasNext  bool
	Terminal bool
}

// BranchFiltered is emitted after a null-bubble removed records from the tree.
type BranchFiltered struct {
	NullPath language.Path
	Removed  int
	Sources  int
}

// SourceCancelled is emitted once per stream source that received a
// termination request. Err is the swallowed termination error, if any.
type SourceCancelled struct {
	Path language.Path
	Err  error
}

// SubscriptionFinish is emitted when the subscription reaches its terminal
// state, either naturally or through early termination.
type SubscriptionFinish struct {
	Frames    int
	Cancelled int
	Err       error
	Duration  time.Duration
}
