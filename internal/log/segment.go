package log

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// segment ties one store file and its index together. It is mutable while
// it is the active tail segment; sealed segments are immutable and
// renamed to encode their first and last index, per spec §3 and §6.
type segment struct {
	store  *store
	index  *index
	dir    string
	cfg    Config
	sealed bool

	firstIndex  uint64
	nextIndex   uint64 // next index this segment will assign if active
	createdAtMs int64
}

func activeStorePath(dir string, first uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d.active", first))
}

func activeIndexPath(dir string, first uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d.active.index", first))
}

func sealedStorePath(dir string, first, last uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d-%020d.log", first, last))
}

func sealedIndexPath(dir string, first, last uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d-%020d.index", first, last))
}

// newActiveSegment creates a brand new mutable segment starting at
// firstIndex.
func newActiveSegment(dir string, firstIndex uint64, cfg Config) (*segment, error) {
	storeFile, err := os.OpenFile(activeStorePath(dir, firstIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		return nil, err
	}
	indexFile, err := os.OpenFile(activeIndexPath(dir, firstIndex), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	idx, err := newIndex(indexFile, cfg)
	if err != nil {
		return nil, err
	}
	s := &segment{
		store:       st,
		index:       idx,
		dir:         dir,
		cfg:         cfg,
		firstIndex:  firstIndex,
		nextIndex:   firstIndex,
		createdAtMs: time.Now().UnixMilli(),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// openSealedSegment opens a previously sealed segment for reading.
func openSealedSegment(dir string, first, last uint64, createdAtMs int64, cfg Config) (*segment, error) {
	storeFile, err := os.OpenFile(sealedStorePath(dir, first, last), os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		return nil, err
	}
	indexFile, err := os.OpenFile(sealedIndexPath(dir, first, last), os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	idx, err := newIndex(indexFile, cfg)
	if err != nil {
		return nil, err
	}
	return &segment{
		store:       st,
		index:       idx,
		dir:         dir,
		cfg:         cfg,
		sealed:      true,
		firstIndex:  first,
		nextIndex:   last + 1,
		createdAtMs: createdAtMs,
	}, nil
}

// recover re-derives the segment's store size and index from a scan of the
// store file, truncating any partial trailing frame or bad-CRC frame, and
// rewriting the index from scratch so it can never disagree with the
// store it describes. This implements spec §4.1's recovery rule.
func (s *segment) recover() error {
	entries, goodSize, err := scan(s.store.File)
	if err != nil {
		return err
	}
	if goodSize != s.store.size {
		if err := s.store.Truncate(goodSize); err != nil {
			return err
		}
	}
	s.index.size = 0
	for _, e := range entries {
		if err := s.index.Write(e.rec.Index, e.pos); err != nil {
			return fmt.Errorf("log: rebuilding index: %w", err)
		}
	}
	if n := len(entries); n > 0 {
		s.nextIndex = entries[n-1].rec.Index + 1
	}
	return nil
}

// Append writes value as the next record in this segment, stamped with
// ts. It fails if the segment is sealed or full.
func (s *segment) Append(value []byte, ts uint64) (uint64, error) {
	if s.sealed {
		return 0, fmt.Errorf("log: append to sealed segment")
	}
	idx := s.nextIndex
	pos, _, err := s.store.Append(Record{Index: idx, Timestamp: ts, Value: value})
	if err != nil {
		return 0, err
	}
	if err := s.index.Write(idx, pos); err != nil {
		return 0, err
	}
	s.nextIndex++
	return idx, nil
}

// Read returns the record stored at the given absolute index.
func (s *segment) Read(idx uint64) (Record, error) {
	entryNum := idx - s.firstIndex
	_, pos, err := s.index.Read(int64(entryNum))
	if err != nil {
		return Record{}, err
	}
	return s.store.Read(pos)
}

// LastIndex returns the highest index held by this segment, or
// firstIndex-1 if it holds nothing yet.
func (s *segment) LastIndex() uint64 {
	return s.nextIndex - 1
}

// IsMaxed reports whether the segment's store has reached its configured
// size cap and should be sealed.
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.cfg.Segment.MaxSegmentBytes
}

// Seal flushes and renames the segment's files from the ".active" form to
// the sealed "<first>-<last>.log" form, marking it immutable.
func (s *segment) Seal() error {
	if s.sealed {
		return nil
	}
	if err := s.store.Sync(); err != nil {
		return err
	}
	if err := s.index.file.Sync(); err != nil {
		return err
	}
	last := s.LastIndex()
	oldStore, newStorePath := s.store.Name(), sealedStorePath(s.dir, s.firstIndex, last)
	oldIndex, newIndexPath := s.index.Name(), sealedIndexPath(s.dir, s.firstIndex, last)
	if err := os.Rename(oldStore, newStorePath); err != nil {
		return err
	}
	if err := os.Rename(oldIndex, newIndexPath); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

// TruncateSuffix drops every record with index > throughIndex from this
// (necessarily active) segment.
func (s *segment) TruncateSuffix(throughIndex uint64) error {
	if throughIndex+1 <= s.firstIndex {
		// Whole segment goes; caller handles removing it entirely.
		return s.store.Truncate(0)
	}
	entryNum := throughIndex + 1 - s.firstIndex
	pos := entryNum * entWidth
	if pos >= s.index.size {
		return nil // nothing to truncate
	}
	_, storePos, err := s.index.Read(int64(entryNum))
	if err != nil {
		return err
	}
	if err := s.store.Truncate(storePos); err != nil {
		return err
	}
	s.index.Truncate(entryNum)
	s.nextIndex = throughIndex + 1
	return nil
}

// Remove closes and deletes the segment's files from disk.
func (s *segment) Remove() error {
	storeName, indexName := s.store.Name(), s.index.Name()
	if err := s.store.Close(); err != nil {
		return err
	}
	if err := s.index.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(storeName); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(indexName); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close flushes and closes the segment's underlying files without
// deleting them.
func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// TotalBytes is the on-disk footprint of this segment, used by
// size-based compaction.
func (s *segment) TotalBytes() uint64 {
	return s.store.size + s.index.size
}
