package replication

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/lipandr/dlog/api/v1"
)

// BecomePrimary adopts the primary role for term, then reconciles every
// backup's tail against the local journal before returning — spec §4.2's
// "a new primary must agree on a tail with every backup before serving
// writes" rule. Reconciliation runs outside the partition thread (it does
// real network I/O); term and backups are adopted first under submit, but
// the role stays RoleNone until every backup has been reconciled, so Write
// returns ErrNotPrimary until then. A backup whose reconciliation fails is
// logged and stays in the backup set.
func (e *Engine) BecomePrimary(ctx context.Context, term uint64, backups map[string]BackupClient) error {
	var stale bool
	e.submit(func() {
		if term < e.term {
			stale = true
			return
		}
		e.term = term
		e.role = RoleNone
		e.primaryID = e.selfID
		e.backups = backups
	})
	if stale {
		return ErrStaleTerm
	}

	for _, bc := range backups {
		if err := e.reconcileBackup(ctx, term, bc); err != nil {
			e.logger.Warn("backup reconciliation failed",
				zap.String("backup_id", bc.ID()), zap.Uint64("term", term), zap.Error(err))
		}
	}
	e.submit(func() {
		if e.term == term && e.role == RoleNone {
			e.role = RolePrimary
		}
	})
	return nil
}

// BecomeBackup adopts the backup role for term, following a primary. A
// stale term (older than what's already known) is ignored.
func (e *Engine) BecomeBackup(term uint64, primaryID string) {
	e.submit(func() {
		if term < e.term {
			return
		}
		e.term = term
		e.role = RoleBackup
		e.primaryID = primaryID
		e.backups = nil
	})
}

// Write is the producer-facing append path: primary-only, deduped by
// (sessionID, seq), replicated per cfg.Mode, and committed before
// returning in synchronous mode.
//
// Only the part that mutates engine state (the dedupe check and the
// journal append) runs on the partition thread, via submit. The quorum
// wait that follows runs in the caller's own goroutine, the same way
// commitAndNotifyLocked already keeps its backup Commit notifications off
// the partition thread — otherwise every write would serialize behind the
// slowest backup's ack, leaving no room for the bounded window of
// concurrently in-flight uncommitted entries spec §5 describes. The
// commit itself re-enters the partition thread afterward.
func (e *Engine) Write(ctx context.Context, sessionID string, seq uint64, value []byte) (uint64, error) {
	var (
		idx     uint64
		dup     bool
		term    uint64
		backups map[string]BackupClient
		err     error
		ts      = uint64(time.Now().UnixMilli())
	)
	e.submit(func() {
		if e.role != RolePrimary {
			err = ErrNotPrimary
			return
		}
		if seenIdx, seen := e.seqStore.CheckSeq(sessionID, seq); seen {
			idx, dup = seenIdx, true
			return
		}
		var aerr error
		idx, aerr = e.journal.Append(value, ts)
		if aerr != nil {
			err = aerr
			return
		}
		e.seqStore.RecordSeq(sessionID, seq, idx)
		term, backups = e.term, e.backups
	})
	if err != nil || dup {
		return idx, err
	}
	return e.replicateAndCommit(idx, term, ts, value, backups)
}

func (e *Engine) replicateAndCommit(idx, term, ts uint64, value []byte, backups map[string]BackupClient) (uint64, error) {
	rec := v1.Record{Index: idx, Timestamp: ts, Value: value}

	replicate := func(bc BackupClient) error {
		rctx, cancel := context.WithTimeout(context.Background(), e.cfg.PrimaryTimeout)
		defer cancel()
		_, rej, err := bc.Replicate(rctx, v1.ReplicateRequest{Term: term, PrevIndex: idx - 1, Entries: []v1.Record{rec}})
		if err != nil {
			return err
		}
		if rej != nil {
			return ErrDivergence
		}
		return nil
	}

	if e.cfg.Mode == Asynchronous || len(backups) == 0 {
		for _, bc := range backups {
			go func(bc BackupClient) {
				if err := replicate(bc); err != nil {
					e.logger.Warn("async replicate failed", zap.String("backup_id", bc.ID()), zap.Error(err))
				}
			}(bc)
		}
		return idx, e.commitAfterReplication(term, idx, backups)
	}

	needAcks := e.cfg.ReplicationFactor - 1
	if needAcks > len(backups) {
		needAcks = len(backups)
	}
	if needAcks <= 0 {
		return idx, e.commitAfterReplication(term, idx, backups)
	}

	results := make(chan error, len(backups))
	for _, bc := range backups {
		bc := bc
		go func() { results <- replicate(bc) }()
	}

	acked := 0
	deadline := time.After(e.cfg.CommitTimeout)
	for received := 0; received < len(backups); received++ {
		select {
		case err := <-results:
			if err == nil {
				acked++
			}
		case <-deadline:
			return 0, ErrUnavailable
		}
		if acked >= needAcks {
			break
		}
	}
	if acked < needAcks {
		return 0, ErrUnavailable
	}
	return idx, e.commitAfterReplication(term, idx, backups)
}

// commitAfterReplication re-enters the partition thread to advance the
// commit index once idx's replication has settled. It no-ops if the
// engine has since moved to a different term or stepped down from
// primary — a newer primary already owns idx's fate by then.
func (e *Engine) commitAfterReplication(term, idx uint64, backups map[string]BackupClient) error {
	var err error
	e.submit(func() {
		if e.term != term || e.role != RolePrimary {
			return
		}
		err = e.commitAndNotifyLocked(idx, term, backups)
	})
	return err
}

// commitAndNotifyLocked advances the local commit index, runs onCommit so
// local consumers are offered the record, and fires off a best-effort
// Commit notification to every backup so their local commit indexes (and
// their own consumers) keep pace without gating the producer's ack.
func (e *Engine) commitAndNotifyLocked(idx, term uint64, backups map[string]BackupClient) error {
	if err := e.journal.Commit(idx); err != nil {
		return err
	}
	if e.onCommit != nil {
		e.onCommit(idx)
	}
	for _, bc := range backups {
		go func(bc BackupClient) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PrimaryTimeout)
			defer cancel()
			if err := bc.Commit(ctx, term, idx); err != nil {
				e.logger.Warn("commit notification failed", zap.String("backup_id", bc.ID()), zap.Error(err))
			}
		}(bc)
	}
	return nil
}
