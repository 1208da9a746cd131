package replication

import "errors"

// ErrStaleTerm is returned (and only ever handled internally) when a
// message arrives bearing a term older than the local term.
var ErrStaleTerm = errors.New("replication: stale term")

// ErrUnavailable is surfaced to callers when no primary is known, or
// synchronous quorum cannot be reached within commit_timeout_ms.
var ErrUnavailable = errors.New("replication: unavailable")

// ErrTimeout names the deadline-exceeded error kind. No code path in this
// package returns it: Write does not watch the caller's deadline, and a
// synchronous quorum that misses CommitTimeout returns ErrUnavailable.
var ErrTimeout = errors.New("replication: timeout")

// ErrNotPrimary is returned by primary-only operations when the local
// role is not PRIMARY for the current term.
var ErrNotPrimary = errors.New("replication: not primary")

// ErrDivergence is returned when a backup rejects a Replicate request
// because its tail does not match PrevIndex; logged, not surfaced to
// clients.
var ErrDivergence = errors.New("replication: divergent tail")
