package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	sealedRe = regexp.MustCompile(`^segment-(\d{20})-(\d{20})\.log$`)
	activeRe = regexp.MustCompile(`^segment-(\d{20})\.active$`)
)

// meta is the small sidecar written on every durable commit advance,
// fsync'd so commit_index survives a restart. Spec §4.1 / §6.
type meta struct {
	CommitIndex uint64 `json:"commit_index"`
	FirstIndex  uint64 `json:"first_index"`
	LastIndex   uint64 `json:"last_index"`
}

// segmentRecord is bookkeeping kept alongside each segment purely in
// memory (a sealed segment's created-at is re-derived from the file mtime
// on recovery
// since the frame format itself carries no segment-level header field
// beyond what the index/store already encode).
type segmentRecord struct {
	seg         *segment
	createdAtMs int64
}

// Log is the segmented journal described in spec §4.1. It owns its
// directory exclusively; the replication engine is its only mutator.
type Log struct {
	mu     sync.RWMutex
	dir    string
	cfg    Config
	logger *zap.Logger

	segments []*segmentRecord
	active   *segment

	firstIndex  uint64
	commitIndex uint64
	poisoned    bool
}

// NewLog opens (or creates) a journal rooted at dir.
func NewLog(dir string, cfg Config, logger *zap.Logger) (*Log, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	l := &Log{dir: dir, cfg: cfg, logger: logger}
	if err := l.setup(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) setup() error {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	type sealedInfo struct{ first, last uint64 }
	var sealedInfos []sealedInfo
	var activeFirst uint64
	haveActive := false

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if m := sealedRe.FindStringSubmatch(f.Name()); m != nil {
			first, _ := strconv.ParseUint(m[1], 10, 64)
			last, _ := strconv.ParseUint(m[2], 10, 64)
			sealedInfos = append(sealedInfos, sealedInfo{first, last})
		} else if m := activeRe.FindStringSubmatch(f.Name()); m != nil {
			first, _ := strconv.ParseUint(m[1], 10, 64)
			activeFirst = first
			haveActive = true
		}
	}
	sort.Slice(sealedInfos, func(i, j int) bool { return sealedInfos[i].first < sealedInfos[j].first })

	// Skip repeated first indexes; only the .log store file matches
	// sealedRe, so each sealed segment normally appears once.
	seen := make(map[uint64]bool)
	for _, si := range sealedInfos {
		if seen[si.first] {
			continue
		}
		seen[si.first] = true
		fi, statErr := os.Stat(sealedStorePath(l.dir, si.first, si.last))
		createdAtMs := time.Now().UnixMilli()
		if statErr == nil {
			createdAtMs = fi.ModTime().UnixMilli()
		}
		seg, err := openSealedSegment(l.dir, si.first, si.last, createdAtMs, l.cfg)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, &segmentRecord{seg: seg, createdAtMs: createdAtMs})
	}

	if haveActive {
		seg, err := newActiveSegment(l.dir, activeFirst, l.cfg)
		if err != nil {
			return err
		}
		l.active = seg
		l.segments = append(l.segments, &segmentRecord{seg: seg, createdAtMs: time.Now().UnixMilli()})
	} else {
		first := l.cfg.Segment.InitialIndex
		if n := len(l.segments); n > 0 {
			first = l.segments[n-1].seg.LastIndex() + 1
		}
		seg, err := newActiveSegment(l.dir, first, l.cfg)
		if err != nil {
			return err
		}
		l.active = seg
		l.segments = append(l.segments, &segmentRecord{seg: seg, createdAtMs: time.Now().UnixMilli()})
	}

	if len(l.segments) > 0 {
		l.firstIndex = l.segments[0].seg.firstIndex
	} else {
		l.firstIndex = l.cfg.Segment.InitialIndex
	}

	m, err := l.readMeta()
	if err != nil {
		return err
	}
	if m != nil {
		l.commitIndex = m.CommitIndex
		if m.FirstIndex > l.firstIndex {
			l.firstIndex = m.FirstIndex
		}
	}
	return nil
}

func (l *Log) metaPath() string {
	return filepath.Join(l.dir, "meta")
}

func (l *Log) readMeta() (*meta, error) {
	b, err := os.ReadFile(l.metaPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// writeMeta persists and fsyncs the commit/first/last index sidecar.
func (l *Log) writeMeta() error {
	m := meta{CommitIndex: l.commitIndex, FirstIndex: l.firstIndex, LastIndex: l.lastIndexLocked()}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := l.metaPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.metaPath())
}

func (l *Log) lastIndexLocked() uint64 {
	if l.active == nil {
		return l.firstIndex - 1
	}
	return l.active.LastIndex()
}

// poison marks the journal unusable after an IO failure, per spec §7.
func (l *Log) poison(err error) error {
	l.poisoned = true
	l.logger.Error("journal poisoned", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrIoError, err)
}

// Append allocates the next index, timestamps the record and writes it to
// the active segment, sealing and rotating to a fresh segment first if the
// active one is full.
func (l *Log) Append(value []byte, tsMs uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned {
		return 0, ErrPoisoned
	}

	if l.active.IsMaxed() {
		if err := l.rotateLocked(); err != nil {
			return 0, l.poison(err)
		}
	}
	idx, err := l.active.Append(value, tsMs)
	if err != nil {
		return 0, l.poison(err)
	}
	return idx, nil
}

func (l *Log) rotateLocked() error {
	if err := l.active.Seal(); err != nil {
		return err
	}
	next := l.active.LastIndex() + 1
	seg, err := newActiveSegment(l.dir, next, l.cfg)
	if err != nil {
		return err
	}
	l.active = seg
	l.segments = append(l.segments, &segmentRecord{seg: seg, createdAtMs: time.Now().UnixMilli()})
	l.logger.Info("sealed segment and rolled new active segment", zap.Uint64("next_first_index", next))
	return nil
}

// Read returns a prefix of records starting at max(fromIndex, firstIndex),
// bounded by maxBytes, plus the index a follow-up read should resume
// from.
func (l *Log) Read(fromIndex uint64, maxBytes int) ([]Record, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.poisoned {
		return nil, 0, ErrPoisoned
	}

	start := fromIndex
	if start < l.firstIndex {
		start = l.firstIndex
	}
	last := l.lastIndexLocked()
	if start > last {
		return nil, start, nil
	}

	var (
		records []Record
		size    int
	)
	for idx := start; idx <= last; idx++ {
		rec, err := l.readLocked(idx)
		if err != nil {
			return nil, 0, err
		}
		if size > 0 && size+len(rec.Value) > maxBytes {
			break
		}
		records = append(records, rec)
		size += len(rec.Value)
	}
	next := start + uint64(len(records))
	return records, next, nil
}

func (l *Log) readLocked(idx uint64) (Record, error) {
	for _, sr := range l.segments {
		seg := sr.seg
		if idx >= seg.firstIndex && idx <= seg.LastIndex() {
			return seg.Read(idx)
		}
	}
	return Record{}, ErrOutOfRange
}

// Commit advances commit_index to max(commit_index, min(index, last_index))
// and never regresses. On every advance it flushes and fsyncs the active
// segment's store, then fsyncs the meta sidecar.
func (l *Log) Commit(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned {
		return ErrPoisoned
	}
	last := l.lastIndexLocked()
	target := index
	if target > last {
		target = last
	}
	if target <= l.commitIndex {
		return nil
	}
	if err := l.active.store.Sync(); err != nil {
		return l.poison(err)
	}
	l.commitIndex = target
	if err := l.writeMeta(); err != nil {
		return l.poison(err)
	}
	return nil
}

// CommitIndex returns the current commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

// FirstIndex returns the lowest index still present in the journal.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstIndex
}

// LastIndex returns the highest index appended to the journal.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

// RecordAt is a convenience used by the replication engine's divergence
// walk: it returns a record (or ErrOutOfRange) without taking the
// exported Read's max-bytes bookkeeping.
func (l *Log) RecordAt(idx uint64) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.firstIndex || idx > l.lastIndexLocked() {
		return Record{}, ErrOutOfRange
	}
	return l.readLocked(idx)
}

// TruncateSuffix removes every record with index > throughIndex. It fails
// if throughIndex would remove an already-committed record.
func (l *Log) TruncateSuffix(throughIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned {
		return ErrPoisoned
	}
	if throughIndex < l.commitIndex {
		return ErrBelowCommit
	}
	if throughIndex >= l.lastIndexLocked() {
		return nil
	}

	// Drop whole sealed segments beyond throughIndex, then truncate
	// whatever segment now straddles throughIndex (re-sealing it as the
	// new active tail).
	kept := l.segments[:0:0]
	var straddle *segmentRecord
	for _, sr := range l.segments {
		if sr.seg.firstIndex > throughIndex {
			if err := sr.seg.Remove(); err != nil {
				return l.poison(err)
			}
			continue
		}
		if throughIndex <= sr.seg.LastIndex() {
			straddle = sr
		}
		kept = append(kept, sr)
	}
	l.segments = kept

	if straddle != nil {
		if straddle.seg.sealed {
			if err := l.reopenSealedAsActive(straddle, throughIndex); err != nil {
				return l.poison(err)
			}
		} else {
			if err := straddle.seg.TruncateSuffix(throughIndex); err != nil {
				return l.poison(err)
			}
			l.active = straddle.seg
		}
	}
	return nil
}

// reopenSealedAsActive is used when truncate_suffix must cut into a
// segment that was already sealed: the sealed files are renamed back to
// the active form, truncated, and the segment becomes the new tail.
func (l *Log) reopenSealedAsActive(sr *segmentRecord, throughIndex uint64) error {
	seg := sr.seg
	last := seg.LastIndex()
	if err := seg.index.Close(); err != nil {
		return err
	}
	if err := seg.store.Close(); err != nil {
		return err
	}
	if err := os.Rename(sealedStorePath(l.dir, seg.firstIndex, last), activeStorePath(l.dir, seg.firstIndex)); err != nil {
		return err
	}
	if err := os.Rename(sealedIndexPath(l.dir, seg.firstIndex, last), activeIndexPath(l.dir, seg.firstIndex)); err != nil {
		return err
	}
	reopened, err := newActiveSegment(l.dir, seg.firstIndex, l.cfg)
	if err != nil {
		return err
	}
	if err := reopened.TruncateSuffix(throughIndex); err != nil {
		return err
	}
	sr.seg = reopened
	l.active = reopened
	return nil
}

// Compact removes sealed segments whose last index is below the commit
// index and that satisfy the size or age retention policy, size-based
// deletions evaluated first per spec §4.1.
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned {
		return ErrPoisoned
	}

	deleted := 0
	if l.cfg.MaxLogBytes > 0 {
		total := l.totalBytesLocked()
		for total > l.cfg.MaxLogBytes && deleted < len(l.segments)-1 {
			sr := l.segments[deleted]
			if sr.seg == l.active || sr.seg.LastIndex() >= l.commitIndex {
				break
			}
			total -= sr.seg.TotalBytes()
			deleted++
		}
	}
	if l.cfg.MaxLogAgeMs > 0 {
		now := time.Now().UnixMilli()
		for deleted < len(l.segments)-1 {
			sr := l.segments[deleted]
			if sr.seg == l.active || sr.seg.LastIndex() >= l.commitIndex {
				break
			}
			if now-sr.createdAtMs <= l.cfg.MaxLogAgeMs {
				break
			}
			deleted++
		}
	}
	if deleted == 0 {
		return nil
	}

	for i := 0; i < deleted; i++ {
		if err := l.segments[i].seg.Remove(); err != nil {
			return l.poison(err)
		}
	}
	l.segments = l.segments[deleted:]
	l.firstIndex = l.segments[0].seg.firstIndex
	if err := l.writeMeta(); err != nil {
		return l.poison(err)
	}
	l.logger.Info("compacted segments", zap.Int("deleted", deleted), zap.Uint64("new_first_index", l.firstIndex))
	return nil
}

func (l *Log) totalBytesLocked() uint64 {
	var total uint64
	for _, sr := range l.segments {
		total += sr.seg.TotalBytes()
	}
	return total
}

// SegmentInfo is the introspection view returned by Segments.
type SegmentInfo struct {
	FirstIndex  uint64
	LastIndex   uint64
	Sealed      bool
	Bytes       uint64
	CreatedAtMs int64
}

// Segments returns introspection data for operators and tests.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SegmentInfo, 0, len(l.segments))
	for _, sr := range l.segments {
		out = append(out, SegmentInfo{
			FirstIndex:  sr.seg.firstIndex,
			LastIndex:   sr.seg.LastIndex(),
			Sealed:      sr.seg.sealed,
			Bytes:       sr.seg.TotalBytes(),
			CreatedAtMs: sr.createdAtMs,
		})
	}
	return out
}

// Close closes every segment's files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sr := range l.segments {
		if err := sr.seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

// IsPoisoned reports whether the journal has recorded an IO error and
// must no longer be used.
func (l *Log) IsPoisoned() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.poisoned
}
