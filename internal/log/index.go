package log

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

// indexWidth and posWidth are the two fixed-width fields of one index
// entry: the record's absolute index and its byte position in the
// segment's store file. Adapted from the teacher's internal/log/index.go,
// widened from uint32 offsets to uint64 indices since this log's indices
// are partition-wide and monotonic rather than segment-relative offsets.
const (
	indexWidth uint64 = 8
	posWidth   uint64 = 8
	entWidth          = indexWidth + posWidth
)

// index is a memory-mapped, fixed-width index → position table for one
// segment, letting Read locate a record's frame in O(1) instead of
// scanning the store.
type index struct {
	file *os.File
	mMap gommap.MMap
	size uint64
}

func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{file: f}
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())
	if err = os.Truncate(f.Name(), int64(c.Segment.MaxIndexBytes)); err != nil {
		return nil, err
	}
	if idx.mMap, err = gommap.Map(
		idx.file.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED,
	); err != nil {
		return nil, err
	}
	return idx, nil
}

// Read takes an entry number relative to the segment's base index (0 is
// the segment's first record, 1 the second, and so on; -1 means the last
// entry) and returns the absolute index stored there plus its position.
func (i *index) Read(in int64) (out uint64, pos uint64, err error) {
	if i.size == 0 {
		return 0, 0, io.EOF
	}
	var entryNum uint64
	if in == -1 {
		entryNum = (i.size / entWidth) - 1
	} else {
		entryNum = uint64(in)
	}
	epos := entryNum * entWidth
	if i.size < epos+entWidth {
		return 0, 0, io.EOF
	}
	out = enc.Uint64(i.mMap[epos : epos+indexWidth])
	pos = enc.Uint64(i.mMap[epos+indexWidth : epos+entWidth])
	return out, pos, nil
}

// Write appends one (index, position) entry.
func (i *index) Write(idx uint64, pos uint64) error {
	if uint64(len(i.mMap)) < i.size+entWidth {
		return io.EOF
	}
	enc.PutUint64(i.mMap[i.size:i.size+indexWidth], idx)
	enc.PutUint64(i.mMap[i.size+indexWidth:i.size+entWidth], pos)
	i.size += entWidth
	return nil
}

// Truncate drops every entry at or after the given entry number, used when
// truncating a segment's suffix.
func (i *index) Truncate(entryNum uint64) {
	pos := entryNum * entWidth
	if pos < i.size {
		i.size = pos
	}
}

// Close syncs the memory-mapped index to the backing file, truncates the
// file to its real size (the file is pre-extended to MaxIndexBytes on
// open) and closes it.
func (i *index) Close() error {
	if err := i.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}

// Name returns the index's file path.
func (i *index) Name() string {
	return i.file.Name()
}
