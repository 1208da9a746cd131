package replication

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	v1 "github.com/lipandr/dlog/api/v1"
	"github.com/lipandr/dlog/internal/log"
)

// reconcileBackup brings one backup's tail into agreement with the local
// journal before it is trusted to receive new writes: spec §4.2's
// backward payload-hash walk. Starting at the lower of the two last
// indexes, it steps backward comparing hashes until it finds one that
// matches (or reaches 0), truncates the backup down to that point if its
// tail ran ahead of agreement, then streams the catch-up entries.
func (e *Engine) reconcileBackup(ctx context.Context, term uint64, bc BackupClient) error {
	backupLast, err := bc.Status(ctx)
	if err != nil {
		return err
	}
	primaryLast := e.journal.LastIndex()

	cursor := backupLast
	if primaryLast < cursor {
		cursor = primaryLast
	}
	agree := uint64(0)
	for cursor > 0 {
		localRec, err := e.journal.RecordAt(cursor)
		if err != nil {
			break
		}
		remoteRec, err := bc.RecordAt(ctx, cursor)
		if err != nil {
			break
		}
		if payloadHash(localRec) == payloadHash(remoteRec) {
			agree = cursor
			break
		}
		cursor--
	}

	if backupLast > agree {
		if _, err := bc.Truncate(ctx, term, agree); err != nil {
			return err
		}
	}
	return e.catchUpBackup(ctx, term, bc, agree)
}

// catchUpBackup streams every entry after from through the journal's
// current tail, in chunks bounded by BackpressureBytes.
func (e *Engine) catchUpBackup(ctx context.Context, term uint64, bc BackupClient, from uint64) error {
	next := from + 1
	for {
		last := e.journal.LastIndex()
		if next > last {
			return nil
		}
		records, nextIdx, err := e.journal.Read(next, int(e.cfg.BackpressureBytes))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		entries := make([]v1.Record, len(records))
		for i, r := range records {
			entries[i] = v1.Record{Index: r.Index, Timestamp: r.Timestamp, Value: r.Value}
		}
		_, rej, err := bc.Replicate(ctx, v1.ReplicateRequest{Term: term, PrevIndex: next - 1, Entries: entries})
		if err != nil {
			return err
		}
		if rej != nil {
			return ErrDivergence
		}
		next = nextIdx
	}
}

// payloadHash hashes a record's timestamp and value, the comparable
// content two replicas' frames must agree on regardless of their
// encoded position on disk.
func payloadHash(rec log.Record) [32]byte {
	h := sha256.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], rec.Timestamp)
	h.Write(ts[:])
	h.Write(rec.Value)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
