package log

import "errors"

// ErrIoError is returned when a disk write or sync fails. The journal that
// produced it is poisoned and must not be used again until restart.
var ErrIoError = errors.New("log: io error")

// ErrOutOfRange is returned by RecordAt when the index lies outside
// [first_index, last_index]. Read past last_index returns an empty slice
// instead.
var ErrOutOfRange = errors.New("log: offset out of range")

// ErrBelowCommit is returned by TruncateSuffix when through_index would
// remove an already-committed record.
var ErrBelowCommit = errors.New("log: truncate would remove committed records")

// ErrPoisoned is returned by every operation once the journal has recorded
// an io error.
var ErrPoisoned = errors.New("log: journal poisoned, restart required")

// ErrCorruptFrame is returned when a frame's CRC32C doesn't match its
// payload, or the frame is truncated short of its declared length.
var ErrCorruptFrame = errors.New("log: corrupt record frame")
