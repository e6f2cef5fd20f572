package incremental

import "errors"

var (
	// ErrDone is returned by Subscription.Next once the terminal frame has
	// been delivered or the subscription was closed.
	ErrDone = errors.New("incremental: no more results")

	// ErrAlreadyCompleted is returned when a record is completed twice.
	ErrAlreadyCompleted = errors.New("incremental: record already completed")

	// ErrForeignRecord is returned when a record created by another publisher
	// is passed in.
	ErrForeignRecord = errors.New("incremental: record belongs to another publisher")

	// ErrRecordDrained is returned when an error is attached to a record that
	// has already been delivered.
	ErrRecordDrained = errors.New("incremental: record already delivered")

	// ErrInitialPublished is returned when the initial result is published
	// more than once.
	ErrInitialPublished = errors.New("incremental: initial result already published")

	// ErrSourceClosed is returned by ItemSource.Next after Close.
	ErrSourceClosed = errors.New("incremental: item source closed")
)
