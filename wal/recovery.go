package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/krotik/common/sortutil"

	"github.com/ziptag/ziptag/store"
	"github.com/ziptag/ziptag/txn"
)

/*
Recover rebuilds a Store from a data directory: load the latest
snapshot if one exists, then replay every committed
transaction recorded in the WAL after it, in ascending new_rev order.
Dangling TXBEGIN/TXOP groups with no matching TXCOMMIT are discarded. The
returned Store's current_rev is the maximum replayed new_rev.
*/
func Recover(dir string) (*store.Store, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	// The newest snapshot-<rev>.bin on disk wins over an older MANIFEST entry.
	snapRev := m.SnapshotRev
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			var rev uint64
			if _, err := fmt.Sscanf(e.Name(), "snapshot-%d.bin", &rev); err == nil && e.Name() == snapshotFileName(rev) && rev > snapRev {
				snapRev = rev
			}
		}
	}

	var s *store.Store
	if snapRev > 0 {
		s, err = LoadSnapshot(snapshotFilePath(dir, snapRev))
		if err != nil {
			return nil, err
		}
	} else {
		s = store.New()
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	begins := make(map[uint64]TxBegin)
	opsByTxid := make(map[uint64][]TxOpRecord)
	commits := make(map[uint64]TxCommit)

	for _, name := range segs {
		if err := scanSegment(filepath.Join(dir, name), begins, opsByTxid, commits); err != nil {
			return nil, err
		}
	}

	for txid := range begins {
		if _, ok := commits[txid]; !ok {
			walLog.Warning("discarding dangling transaction ", txid, " (no TXCOMMIT)")
		}
	}

	var committedTxids []uint64
	for txid := range commits {
		if txid <= snapRev {
			// Already reflected in the loaded snapshot.
			continue
		}
		committedTxids = append(committedTxids, txid)
	}
	// txid and new_rev coincide by construction (AppendTx's caller passes
	// new_rev as the txid), so sorting txids ascending already replays
	// transactions in commit order.
	sortutil.UInt64s(committedTxids)

	for _, txid := range committedTxids {
		ops := opsByTxid[txid]
		sort.Slice(ops, func(i, j int) bool { return ops[i].Index < ops[j].Index })

		tx := txn.Open(s)
		for _, rec := range ops {
			if err := tx.ApplyOp(rec.Op); err != nil {
				return nil, err
			}
		}
		if _, err := tx.Commit(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

/*
scanSegment reads every complete record in one WAL segment file,
accumulating TXBEGIN/TXOP/TXCOMMIT into the recovery pass's working maps.
A truncated trailing record ends the scan of this file without error,
since a crash mid-append leaves exactly this shape; a CRC mismatch
mid-file is fatal.
*/
func scanSegment(path string, begins map[uint64]TxBegin, ops map[uint64][]TxOpRecord, commits map[uint64]TxCommit) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	for {
		rec, n, err := readRecord(f, offset)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
		offset += n

		switch rec.Kind {
		case KindTxBegin:
			begins[rec.Begin.Txid] = rec.Begin
		case KindTxOp:
			ops[rec.Op.Txid] = append(ops[rec.Op.Txid], rec.Op)
		case KindTxCommit:
			commits[rec.Commit.Txid] = rec.Commit
		}
	}
}
