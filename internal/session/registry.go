// Package session implements the producer/consumer session registry of
// spec §3 and §6: per-session producer-seq dedupe bookkeeping, consumer
// cursors that snap forward past compacted prefixes, and a heartbeat
// sweeper that expires idle sessions.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lipandr/dlog/internal/log"
)

// Sender delivers committed records (or a compacted-skip notice) to a
// session's consumer, over whatever transport internal/server wires in.
type Sender interface {
	SendRecords(sessionID string, records []log.Record) error
	SendCompactedSkip(sessionID string, newIndex uint64) error
}

// Journal is the subset of *log.Log the registry needs to read committed
// records and learn the current compaction frontier.
type Journal interface {
	FirstIndex() uint64
	CommitIndex() uint64
	Read(fromIndex uint64, maxBytes int) ([]log.Record, uint64, error)
}

type cursor struct {
	nextIndex uint64
	attached  bool
}

type session struct {
	id            string
	memberID      string
	producerSeqs  map[uint64]uint64
	lastHeartbeat time.Time
	cursor        cursor
}

// Registry tracks every open session for one partition. Every node runs
// one: the replication engine's commit hook feeds PushCommitted on primary
// and backup alike.
type Registry struct {
	mu       sync.Mutex
	journal  Journal
	sender   Sender
	cfg      Config
	logger   *zap.Logger
	sessions map[string]*session

	stopCh chan struct{}
}

// NewRegistry starts a registry backed by journal for reads and sender for
// consumer delivery, and launches its expiry sweeper.
func NewRegistry(journal Journal, sender Sender, cfg Config, logger *zap.Logger) *Registry {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		journal:  journal,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Open creates session state for sessionID, or, for a session that is
// already open, refreshes its heartbeat and keeps its producer seqs and
// consumer cursor.
func (r *Registry) Open(sessionID, memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.memberID = memberID
		sess.lastHeartbeat = time.Now()
		return
	}
	r.sessions[sessionID] = &session{
		id:            sessionID,
		memberID:      memberID,
		producerSeqs:  make(map[uint64]uint64),
		lastHeartbeat: time.Now(),
	}
}

// Close tears down session state immediately (an explicit client
// disconnect, not an expiry).
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Heartbeat refreshes a session's liveness deadline.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionExpired
	}
	sess.lastHeartbeat = time.Now()
	return nil
}

// CheckSeq reports whether seq was already assigned an index for this
// session (a producer retry), satisfying the replication engine's dedupe
// requirement without it needing to know session internals.
func (r *Registry) CheckSeq(sessionID string, seq uint64) (index uint64, seen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	idx, ok := sess.producerSeqs[seq]
	return idx, ok
}

// RecordSeq remembers the index a seq was assigned, so a later retry of
// the same seq dedupes instead of double-appending.
func (r *Registry) RecordSeq(sessionID string, seq uint64, index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sess.producerSeqs[seq] = index
}

// Consume attaches (or re-attaches, on reconnect) a consumer cursor at
// fromIndex, snapping it forward to FirstIndex and notifying the sender of
// a CompactedSkip if fromIndex had already been compacted away. It then
// delivers whatever committed records are already available.
func (r *Registry) Consume(sessionID string, fromIndex uint64) (attachedAt uint64, skipped bool, err error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return 0, false, ErrSessionExpired
	}
	start := fromIndex
	first := r.journal.FirstIndex()
	if start < first {
		start = first
		skipped = true
	}
	sess.cursor = cursor{nextIndex: start, attached: true}
	r.mu.Unlock()

	if skipped {
		if err := r.sender.SendCompactedSkip(sessionID, start); err != nil {
			r.logger.Warn("compacted skip delivery failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	r.deliver(sess)
	return start, skipped, nil
}

// PushCommitted is the replication engine's commit-advance hook: it offers
// every attached consumer whatever newly became committed.
func (r *Registry) PushCommitted(commitIndex uint64) {
	r.mu.Lock()
	attached := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.cursor.attached && sess.cursor.nextIndex <= commitIndex {
			attached = append(attached, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range attached {
		r.deliver(sess)
	}
}

// deliver reads and sends whatever committed records sit at or after
// sess's cursor, advancing the cursor on a successful send. Delivery is
// fire-and-forget: a failed send leaves the cursor where it was, so a
// reconnect (a fresh Consume call) resumes from the same point.
func (r *Registry) deliver(sess *session) {
	r.mu.Lock()
	next := sess.cursor.nextIndex
	committed := r.journal.CommitIndex()
	r.mu.Unlock()
	if next > committed {
		return
	}

	records, _, err := r.journal.Read(next, r.cfg.MaxPushBytes)
	if err != nil {
		r.logger.Warn("consumer read failed", zap.String("session_id", sess.id), zap.Error(err))
		return
	}
	var out []log.Record
	for _, rec := range records {
		if rec.Index > committed {
			break
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return
	}
	if err := r.sender.SendRecords(sess.id, out); err != nil {
		r.logger.Warn("consumer delivery failed", zap.String("session_id", sess.id), zap.Error(err))
		return
	}

	r.mu.Lock()
	sess.cursor.nextIndex = out[len(out)-1].Index + 1
	r.mu.Unlock()
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var expired []string
	for id, sess := range r.sessions {
		if now.Sub(sess.lastHeartbeat) > r.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, id := range expired {
		r.logger.Info("session expired", zap.String("session_id", id))
	}
}

// Close stops the expiry sweeper.
func (r *Registry) Close() {
	close(r.stopCh)
}
