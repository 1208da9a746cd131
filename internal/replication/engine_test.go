package replication_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	v1 "github.com/lipandr/dlog/api/v1"
	"github.com/lipandr/dlog/internal/log"
	"github.com/lipandr/dlog/internal/replication"
)

func newTestJournal(t *testing.T) *log.Log {
	dir, err := os.MkdirTemp("", "replication-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	l, err := log.NewLog(dir, log.Config{}, zap.NewNop())
	require.NoError(t, err)
	return l
}

// fakeSeqStore is an in-memory stand-in for session.Registry's dedupe
// table.
type fakeSeqStore struct {
	mu   sync.Mutex
	seqs map[string]map[uint64]uint64
}

func newFakeSeqStore() *fakeSeqStore {
	return &fakeSeqStore{seqs: make(map[string]map[uint64]uint64)}
}

func (s *fakeSeqStore) CheckSeq(sessionID string, seq uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.seqs[sessionID][seq]
	return idx, ok
}

func (s *fakeSeqStore) RecordSeq(sessionID string, seq uint64, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seqs[sessionID] == nil {
		s.seqs[sessionID] = make(map[uint64]uint64)
	}
	s.seqs[sessionID][seq] = index
}

// localBackupClient adapts a backup *replication.Engine running in the
// same process to the replication.BackupClient interface, so tests can
// exercise primary/backup interaction without a network transport.
type localBackupClient struct {
	id     string
	engine *replication.Engine
}

func (c *localBackupClient) ID() string { return c.id }

func (c *localBackupClient) Status(ctx context.Context) (uint64, error) {
	return c.engine.Status(ctx)
}

func (c *localBackupClient) RecordAt(ctx context.Context, index uint64) (v1.Record, error) {
	rec, err := c.engine.RecordAt(ctx, index)
	if err != nil {
		return v1.Record{}, err
	}
	return v1.Record{Index: rec.Index, Timestamp: rec.Timestamp, Value: rec.Value}, nil
}

func (c *localBackupClient) Replicate(ctx context.Context, req v1.ReplicateRequest) (*v1.ReplicateAck, *v1.ReplicateReject, error) {
	return c.engine.Replicate(ctx, req)
}

func (c *localBackupClient) Truncate(ctx context.Context, term uint64, throughIndex uint64) (uint64, error) {
	return c.engine.Truncate(ctx, term, throughIndex)
}

func (c *localBackupClient) Commit(ctx context.Context, term uint64, index uint64) error {
	return c.engine.Commit(ctx, term, index)
}

func newEngine(t *testing.T, id string, onCommit replication.CommitHook, cfg replication.Config) (*replication.Engine, *log.Log) {
	j := newTestJournal(t)
	e := replication.NewEngine(id, j, newFakeSeqStore(), onCommit, cfg, zap.NewNop())
	t.Cleanup(e.Close)
	return e, j
}

func TestWriteCommitsSynchronouslyWithQuorum(t *testing.T) {
	var committed []uint64
	var mu sync.Mutex
	onCommit := func(idx uint64) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, idx)
	}

	primary, _ := newEngine(t, "p", onCommit, replication.Config{ReplicationFactor: 2})
	backup, _ := newEngine(t, "b1", nil, replication.Config{})

	ctx := context.Background()
	backups := map[string]replication.BackupClient{"b1": &localBackupClient{id: "b1", engine: backup}}
	require.NoError(t, primary.BecomePrimary(ctx, 1, backups))

	idx, err := primary.Write(ctx, "s1", 1, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	mu.Lock()
	require.Contains(t, committed, uint64(1))
	mu.Unlock()

	rec, err := backup.RecordAt(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rec.Value))
}

func TestWriteDedupesRetriedSeq(t *testing.T) {
	primary, _ := newEngine(t, "p", nil, replication.Config{ReplicationFactor: 1})
	ctx := context.Background()
	require.NoError(t, primary.BecomePrimary(ctx, 1, nil))

	first, err := primary.Write(ctx, "s1", 7, []byte("a"))
	require.NoError(t, err)

	retry, err := primary.Write(ctx, "s1", 7, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, first, retry)
}

func TestWriteOnBackupFailsNotPrimary(t *testing.T) {
	backup, _ := newEngine(t, "b", nil, replication.Config{})
	backup.BecomeBackup(1, "p")

	_, err := backup.Write(context.Background(), "s1", 1, []byte("a"))
	require.ErrorIs(t, err, replication.ErrNotPrimary)
}

func TestAsynchronousModeWriteWithoutBackupsReturnsPromptly(t *testing.T) {
	primary, _ := newEngine(t, "p", nil, replication.Config{Mode: replication.Asynchronous})
	ctx := context.Background()
	require.NoError(t, primary.BecomePrimary(ctx, 1, nil))

	start := time.Now()
	_, err := primary.Write(ctx, "s1", 1, []byte("a"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestBecomePrimaryReconcilesDivergentBackup(t *testing.T) {
	primary, primaryJournal := newEngine(t, "p", nil, replication.Config{})
	backup, backupJournal := newEngine(t, "b1", nil, replication.Config{})
	ctx := context.Background()

	// Seed matching history.
	for i := 0; i < 3; i++ {
		idx, err := primaryJournal.Append([]byte("agree"), uint64(i))
		require.NoError(t, err)
		_, err = backupJournal.Append([]byte("agree"), uint64(i))
		require.NoError(t, err)
		require.NoError(t, primaryJournal.Commit(idx))
	}
	// Backup's tail diverges from here.
	_, err := backupJournal.Append([]byte("wrong"), 99)
	require.NoError(t, err)
	_, err = primaryJournal.Append([]byte("right"), 100)
	require.NoError(t, err)

	backups := map[string]replication.BackupClient{"b1": &localBackupClient{id: "b1", engine: backup}}
	require.NoError(t, primary.BecomePrimary(ctx, 2, backups))

	require.Equal(t, primaryJournal.LastIndex(), backupJournal.LastIndex())
	rec, err := backupJournal.RecordAt(4)
	require.NoError(t, err)
	require.Equal(t, "right", string(rec.Value))
}
