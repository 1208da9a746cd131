package replication

import (
	"context"

	v1 "github.com/lipandr/dlog/api/v1"
	"github.com/lipandr/dlog/internal/log"
)

// Replicate is the backup-side handler for a primary's ReplicateRequest.
// A request bearing an older term is rejected outright; a request whose
// PrevIndex doesn't match the local tail is also rejected, telling the
// primary to fall back to its divergence walk instead of blindly
// appending a gap.
func (e *Engine) Replicate(ctx context.Context, req v1.ReplicateRequest) (*v1.ReplicateAck, *v1.ReplicateReject, error) {
	var (
		ack *v1.ReplicateAck
		rej *v1.ReplicateReject
		err error
	)
	e.submit(func() {
		ack, rej, err = e.replicateLocked(req)
	})
	return ack, rej, err
}

func (e *Engine) replicateLocked(req v1.ReplicateRequest) (*v1.ReplicateAck, *v1.ReplicateReject, error) {
	last := e.journal.LastIndex()
	if req.Term < e.term {
		return nil, &v1.ReplicateReject{Term: e.term, LastIndex: last}, nil
	}
	if req.Term > e.term {
		e.term = req.Term
		e.role = RoleBackup
	}
	if req.PrevIndex != last {
		return nil, &v1.ReplicateReject{Term: e.term, LastIndex: last}, nil
	}
	for _, rec := range req.Entries {
		if _, err := e.journal.Append(rec.Value, rec.Timestamp); err != nil {
			return nil, nil, err
		}
	}
	return &v1.ReplicateAck{Term: e.term, LastIndex: e.journal.LastIndex()}, nil, nil
}

// Truncate is the backup-side handler for a primary's divergence-walk
// truncate instruction. A stale term is rejected; the journal itself
// refuses to truncate below its own commit index (spec §4.1's
// below-commit guard), which this surfaces as-is.
func (e *Engine) Truncate(ctx context.Context, term uint64, throughIndex uint64) (uint64, error) {
	var (
		last uint64
		err  error
	)
	e.submit(func() {
		if term < e.term {
			err = ErrStaleTerm
			return
		}
		if terr := e.journal.TruncateSuffix(throughIndex); terr != nil {
			err = terr
			return
		}
		last = e.journal.LastIndex()
	})
	return last, err
}

// Commit is the backup-side handler for the primary's fire-and-forget
// commit notification: it advances the local commit index and offers
// newly committed records to any local consumers via onCommit.
func (e *Engine) Commit(ctx context.Context, term uint64, index uint64) error {
	var err error
	e.submit(func() {
		if term < e.term {
			err = ErrStaleTerm
			return
		}
		if cerr := e.journal.Commit(index); cerr != nil {
			err = cerr
			return
		}
		if e.onCommit != nil {
			e.onCommit(index)
		}
	})
	return err
}

// Status reports the local journal's last index, used by a newly elected
// primary's divergence walk.
func (e *Engine) Status(ctx context.Context) (uint64, error) {
	var last uint64
	e.submit(func() {
		last = e.journal.LastIndex()
	})
	return last, nil
}

// RecordAt serves one record by absolute index, used by a primary's
// divergence walk to compare payload hashes against a backup's tail.
func (e *Engine) RecordAt(ctx context.Context, index uint64) (log.Record, error) {
	var (
		rec log.Record
		err error
	)
	e.submit(func() {
		rec, err = e.journal.RecordAt(index)
	})
	return rec, err
}
