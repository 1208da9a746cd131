package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lipandr/dlog/internal/log"
	"github.com/lipandr/dlog/internal/session"
)

// fakeJournal is a minimal in-memory Journal for registry tests.
type fakeJournal struct {
	mu      sync.Mutex
	first   uint64
	commit  uint64
	records []log.Record
}

func (f *fakeJournal) append(value []byte) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.first + uint64(len(f.records))
	f.records = append(f.records, log.Record{Index: idx, Value: value})
	return idx
}

func (f *fakeJournal) commitThrough(idx uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commit = idx
}

func (f *fakeJournal) FirstIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

func (f *fakeJournal) CommitIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commit
}

func (f *fakeJournal) Read(fromIndex uint64, maxBytes int) ([]log.Record, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []log.Record
	for _, rec := range f.records {
		if rec.Index < fromIndex {
			continue
		}
		out = append(out, rec)
	}
	next := fromIndex + uint64(len(out))
	return out, next, nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    map[string][]log.Record
	skipped map[string]uint64
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]log.Record), skipped: make(map[string]uint64)}
}

func (s *fakeSender) SendRecords(sessionID string, records []log.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[sessionID] = append(s.sent[sessionID], records...)
	return nil
}

func (s *fakeSender) SendCompactedSkip(sessionID string, newIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[sessionID] = newIndex
	return nil
}

func TestProducerSeqDedupe(t *testing.T) {
	j := &fakeJournal{first: 1}
	sender := newFakeSender()
	cfg := session.Config{SessionTimeout: time.Minute, ExpireInterval: time.Hour}
	reg := session.NewRegistry(j, sender, cfg, nil)
	defer reg.Close()

	reg.Open("s1", "m1")

	_, seen := reg.CheckSeq("s1", 1)
	require.False(t, seen)

	idx := j.append([]byte("a"))
	reg.RecordSeq("s1", 1, idx)

	got, seen := reg.CheckSeq("s1", 1)
	require.True(t, seen)
	require.Equal(t, idx, got)
}

func TestConsumeDeliversCommittedRecords(t *testing.T) {
	j := &fakeJournal{first: 1}
	sender := newFakeSender()
	cfg := session.Config{SessionTimeout: time.Minute, ExpireInterval: time.Hour}
	reg := session.NewRegistry(j, sender, cfg, nil)
	defer reg.Close()

	reg.Open("c1", "m1")
	j.append([]byte("one"))
	j.append([]byte("two"))
	j.commitThrough(2)

	attachedAt, skipped, err := reg.Consume("c1", 1)
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, uint64(1), attachedAt)

	sender.mu.Lock()
	got := sender.sent["c1"]
	sender.mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, "one", string(got[0].Value))
}

func TestConsumeSnapsForwardPastCompaction(t *testing.T) {
	j := &fakeJournal{first: 5}
	sender := newFakeSender()
	cfg := session.Config{SessionTimeout: time.Minute, ExpireInterval: time.Hour}
	reg := session.NewRegistry(j, sender, cfg, nil)
	defer reg.Close()

	reg.Open("c1", "m1")
	attachedAt, skipped, err := reg.Consume("c1", 1)
	require.NoError(t, err)
	require.True(t, skipped)
	require.Equal(t, uint64(5), attachedAt)

	sender.mu.Lock()
	skip, ok := sender.skipped["c1"]
	sender.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, uint64(5), skip)
}

func TestHeartbeatOnUnknownSessionFails(t *testing.T) {
	j := &fakeJournal{first: 1}
	sender := newFakeSender()
	cfg := session.Config{SessionTimeout: time.Minute, ExpireInterval: time.Hour}
	reg := session.NewRegistry(j, sender, cfg, nil)
	defer reg.Close()

	err := reg.Heartbeat("ghost")
	require.ErrorIs(t, err, session.ErrSessionExpired)
}

func TestSessionExpiresAfterTimeout(t *testing.T) {
	j := &fakeJournal{first: 1}
	sender := newFakeSender()
	cfg := session.Config{SessionTimeout: 20 * time.Millisecond, ExpireInterval: 5 * time.Millisecond}
	reg := session.NewRegistry(j, sender, cfg, nil)
	defer reg.Close()

	reg.Open("s1", "m1")
	require.Eventually(t, func() bool {
		return reg.Heartbeat("s1") != nil
	}, time.Second, 5*time.Millisecond)
}
