// Package ledger keeps live, locally-cached projections of the shared vote
// and comment ledgers. Each synchronizer subscribes to its collection in the
// document store, folds every pushed snapshot into derived state from
// scratch, and accepts user-initiated writes gated on session readiness.
package ledger

import "errors"

// Validation and policy errors surfaced by CastVote and AddComment. They
// are also reported through the notifier, so callers may ignore them.
var (
	ErrStoreDisabled    = errors.New("store disabled")
	ErrNotReady         = errors.New("session not ready")
	ErrIdentityUnusable = errors.New("identity not usable")
	ErrRoleRequired     = errors.New("role required")
	ErrUnknownCandidate = errors.New("unknown candidate")
	ErrAlreadyVoted     = errors.New("already voted")
	ErrEmptyComment     = errors.New("empty comment")
)

// syncState is the shared subscription lifecycle. There is no error state:
// store failures surface as transient notices and the subscription heals on
// the next snapshot.
type syncState int

const (
	stateDetached syncState = iota
	stateSubscribing
	stateLive
)
