package log

// Config controls segment sizing, compaction policy and the initial index
// of a freshly created journal. Zero-valued fields are filled with
// sensible defaults by NewLog, mirroring the teacher's NewLog defaulting.
type Config struct {
	Segment struct {
		// MaxSegmentBytes is the seal threshold for the active segment's
		// store file.
		MaxSegmentBytes uint64
		// MaxIndexBytes bounds the mmap'd index file for a segment.
		MaxIndexBytes uint64
		// InitialIndex is the first index used when a brand new journal
		// is created with no segments on disk.
		InitialIndex uint64
	}

	// MaxLogBytes is the total on-disk size across all segments that
	// triggers size-based compaction, deleting oldest sealed segments
	// first.
	MaxLogBytes uint64

	// MaxLogAgeMs is the per-segment age, in milliseconds, that triggers
	// age-based compaction once a segment is sealed and its last index is
	// below the commit index.
	MaxLogAgeMs int64
}

const (
	defaultMaxSegmentBytes = 1024 * 1024
	defaultMaxIndexBytes   = entWidth * 1024
)

func (c *Config) setDefaults() {
	if c.Segment.MaxSegmentBytes == 0 {
		c.Segment.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = defaultMaxIndexBytes
	}
	if c.Segment.InitialIndex == 0 {
		c.Segment.InitialIndex = 1
	}
}
