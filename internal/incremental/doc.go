// Package incremental implements the publisher behind GraphQL incremental
// delivery (@defer and @stream): it decides when completed sub-results may be
// flushed to the consumer, keeps parents ahead of their children, and prunes
// branches invalidated by null propagation.
//
// # Overview
//
// A response is an initial synchronous result plus a forest of incremental
// records hanging off a virtual root:
//   - DeferredFragment: data for a deferred fragment, merged at its path.
//   - StreamItems: a batch of list items pulled from an ItemSource.
//
// The query executor (the collaborator) creates records through the
// Publisher, completes them as resolution finishes, and reports null-bubbling
// through Filter. The transport (the consumer) pulls frames through a
// Subscription.
//
// # Sets
//
// The publisher tracks two insertion-ordered sets:
//   - pending: records that will eventually reach the consumer. A record
//     enters pending once its parent has been delivered.
//   - released: completed records waiting for the next drain; always a subset
//     of pending.
//
// HasNext reports whether pending is non-empty and is the only termination
// predicate. Every mutation closes and replaces a signal channel; the consumer
// re-derives its state after every wake instead of trusting the cause.
//
// # Publication
//
// PublishInitial introduces the root's children once the synchronous result is
// known. A record that is already completed when it is introduced goes straight
// to released; otherwise it waits in pending until CompleteDeferred or
// CompleteStream releases it.
//
// Draining (Subscription.Next) proceeds as follows:
//
//  1. Remove every released record from pending and swap released for an
//     empty set; the old contents are the batch.
//  2. For every record in the batch, publish its children. This is the only
//     way a child becomes visible, so a child is never delivered before its
//     parent even if it completed first.
//  3. Build one entry per record. Stream records whose source was exhausted
//     produce no entry.
//  4. Return the frame with the current HasNext. If the batch produced no
//     entries and records are still pending, wait for the next wake. If it was
//     only exhaustion signals and nothing is pending, return a bare
//     {hasNext: false} terminal frame.
//
// # Filtering
//
// Filter(nullPath, origin) removes every descendant of origin whose path starts
// with nullPath. Removed stream records have their sources terminated exactly
// once each, in the background; termination errors never reach the consumer.
//
// # Termination
//
// Subscription.Close and CloseWithError stop the iteration early: every
// source still pending is terminated and awaited, together with any
// terminations started by Filter, before they return.
//
// # Double completion
//
// Completing a record twice is a caller bug and fails with
// ErrAlreadyCompleted; the first payload is kept.
package incremental
