package log

// Record is one entry of the journal: a gap-free, monotonic Index, the
// append-time timestamp in epoch milliseconds, and the opaque value bytes.
// It is the unit the store/index/segment layers persist, distinct from
// (but field-compatible with) api/v1.Record, which is what actually
// crosses the wire.
type Record struct {
	Index     uint64
	Timestamp uint64
	Value     []byte
}
