// Package replication implements the primary-backup replication engine of
// spec §4.2: term-gated writes, synchronous or asynchronous commit quorum,
// and the backward-hash divergence walk a freshly elected primary runs
// against every backup before it trusts their tails. A single goroutine —
// the "partition thread" — serializes every operation through a channel of
// closures, so the engine never needs finer-grained locking around its own
// role/term bookkeeping.
package replication

import (
	"context"
	"sync"

	"go.uber.org/zap"

	v1 "github.com/lipandr/dlog/api/v1"
	"github.com/lipandr/dlog/internal/log"
)

// Role is this node's current standing for the partition's current term.
type Role int32

const (
	RoleNone Role = iota
	RolePrimary
	RoleBackup
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	default:
		return "none"
	}
}

// BackupClient is the primary's view of one backup peer. internal/server
// supplies the concrete grpc-backed implementation; everything in this
// package depends only on this interface.
type BackupClient interface {
	ID() string
	Status(ctx context.Context) (lastIndex uint64, err error)
	RecordAt(ctx context.Context, index uint64) (v1.Record, error)
	Replicate(ctx context.Context, req v1.ReplicateRequest) (*v1.ReplicateAck, *v1.ReplicateReject, error)
	Truncate(ctx context.Context, term uint64, throughIndex uint64) (lastIndex uint64, err error)
	Commit(ctx context.Context, term uint64, index uint64) error
}

// SeqStore is the producer-seq dedupe table the replication engine reads
// and writes before it ever touches the journal. Satisfied by
// *session.Registry without either package importing the other.
type SeqStore interface {
	CheckSeq(sessionID string, seq uint64) (index uint64, seen bool)
	RecordSeq(sessionID string, seq uint64, index uint64)
}

// CommitHook is invoked (on both primary and backup) every time the local
// commit index advances, so session consumers can be offered new records.
type CommitHook func(commitIndex uint64)

// Engine is the per-partition replication state machine.
type Engine struct {
	journal  *log.Log
	cfg      Config
	logger   *zap.Logger
	selfID   string
	seqStore SeqStore
	onCommit CommitHook

	mu        sync.Mutex
	role      Role
	term      uint64
	primaryID string
	backups   map[string]BackupClient

	opCh   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine constructs an engine over journal, starting in RoleNone until
// an election Term is observed and BecomePrimary/BecomeBackup is called.
func NewEngine(selfID string, journal *log.Log, seqStore SeqStore, onCommit CommitHook, cfg Config, logger *zap.Logger) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		selfID:   selfID,
		seqStore: seqStore,
		onCommit: onCommit,
		opCh:     make(chan func(), 64),
		stopCh:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.opCh:
			op()
		case <-e.stopCh:
			return
		}
	}
}

// submit runs f on the partition thread and blocks until it completes,
// giving every exported method the effect of single-threaded execution
// without a per-field mutex.
func (e *Engine) submit(f func()) {
	done := make(chan struct{})
	e.opCh <- func() {
		f()
		close(done)
	}
	<-done
}

// Close stops the partition thread. The journal outlives the engine and
// is closed separately by whoever constructed it.
func (e *Engine) Close() {
	close(e.stopCh)
	e.wg.Wait()
}

// Role reports the engine's current role.
func (e *Engine) Role() Role {
	var r Role
	e.submit(func() { r = e.role })
	return r
}

// Term reports the engine's current term.
func (e *Engine) Term() uint64 {
	var t uint64
	e.submit(func() { t = e.term })
	return t
}

// PrimaryID reports the id this node currently believes is primary.
func (e *Engine) PrimaryID() string {
	var id string
	e.submit(func() { id = e.primaryID })
	return id
}
