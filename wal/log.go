package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/krotik/common/lockutil"
	"github.com/krotik/common/logutil"
	"github.com/krotik/common/pools"

	"github.com/ziptag/ziptag/store"
	"github.com/ziptag/ziptag/txn"
)

var walLog = logutil.GetLogger("wal")

/*
Log is the append-only write-ahead log. AppendTx stages
a transaction's record group into an in-memory buffer under its own lock;
a background flusher goroutine fsyncs that buffer to the active segment on
a timer, when it crosses a size threshold, or synchronously when Sync is
called. Log implements txn.Logger.
*/
type Log struct {
	dir string

	flushInterval time.Duration
	segmentBytes  int64

	bufMu sync.Mutex
	buf   *bytes.Buffer
	dirty bool

	bufPool *sync.Pool

	fileMu  sync.Mutex
	file    *os.File
	segSeq  int
	segSize int64

	syncSignal chan struct{}
	closeCh    chan struct{}
	closedOnce sync.Once
	loopDone   chan struct{}
	syncDone   chan error
	syncReq    chan struct{}

	lockfile *lockutil.LockFile
}

/*
Option configures a Log at Open time.
*/
type Option func(*Log)

/*
WithFlushInterval sets the background flusher's fsync period. A value of
0 makes every AppendTx block until its record group is fsynced
("fsync on every commit").
*/
func WithFlushInterval(ms int) Option {
	return func(l *Log) { l.flushInterval = time.Duration(ms) * time.Millisecond }
}

/*
WithSegmentBytes sets the size threshold at which the active segment
rotates to a new file.
*/
func WithSegmentBytes(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.segmentBytes = n
		}
	}
}

/*
Open opens (creating if necessary) the WAL rooted at dir, resuming the
head segment named by MANIFEST, or starting a fresh wal-000000.log if the
directory is new.
*/
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	lf := lockutil.NewLockFile(filepath.Join(dir, "LOCK"), 50*time.Millisecond)
	if err := lf.Start(); err != nil {
		return nil, &store.ZTError{Type: store.ErrIOFailed, Detail: fmt.Sprintf("data directory %q already locked: %v", dir, err)}
	}

	l := &Log{
		dir:           dir,
		flushInterval: 200 * time.Millisecond,
		segmentBytes:  64 * 1024 * 1024,
		buf:           &bytes.Buffer{},
		bufPool:       pools.NewByteBufferPool(),
		syncSignal:    make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		loopDone:      make(chan struct{}),
		syncReq:       make(chan struct{}),
		syncDone:      make(chan error),
		lockfile:      lf,
	}
	for _, opt := range opts {
		opt(l)
	}

	m, err := readManifest(dir)
	if err != nil {
		lf.Finish()
		return nil, err
	}

	head := m.HeadSegment
	if head == "" {
		head = segmentFileName(0)
	}

	if err := l.openSegment(head); err != nil {
		lf.Finish()
		return nil, err
	}

	if m.HeadSegment == "" {
		if err := writeManifest(dir, &manifest{SnapshotRev: m.SnapshotRev, HeadSegment: head}); err != nil {
			lf.Finish()
			return nil, err
		}
	}

	go l.flushLoop()

	return l, nil
}

func (l *Log) openSegment(name string) error {
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	var seq int
	fmt.Sscanf(name, "wal-%06d.log", &seq)

	l.file = f
	l.segSeq = seq
	l.segSize = info.Size()
	return nil
}

/*
AppendTx encodes and buffers one transaction's TXBEGIN/TXOP/TXCOMMIT
record group. It implements txn.Logger. The caller
(txn.Tx.Commit) passes the transaction's new_rev as txid: new_rev is
already a durable, strictly increasing, never-reused counter, so it
doubles as the WAL's transaction id without a second counter to keep
consistent across restarts.
*/
func (l *Log) AppendTx(txid uint64, parentRev uint64, ops []txn.Op) error {
	const flushThresholdBytes = 1 << 20 // buffered bytes that trigger an early flush

	buf := l.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer l.bufPool.Put(buf)

	buf.Write(encodeTxBegin(TxBegin{Txid: txid, ParentRev: parentRev, TsMs: uint64(time.Now().UnixMilli())}))
	for i, op := range ops {
		buf.Write(encodeTxOp(TxOpRecord{Txid: txid, Index: uint32(i), Op: op}))
	}
	buf.Write(encodeTxCommit(TxCommit{Txid: txid, NewRev: txid}))

	l.bufMu.Lock()
	l.buf.Write(buf.Bytes())
	l.dirty = true
	full := l.buf.Len() >= flushThresholdBytes
	l.bufMu.Unlock()

	if l.flushInterval == 0 {
		return l.Sync()
	}

	// Wake the flusher before the next tick only once the buffer has
	// crossed its size threshold; below it, the timer batches the flush.
	if full {
		select {
		case l.syncSignal <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Log) flushLoop() {
	ticker := time.NewTicker(l.tickInterval())
	defer ticker.Stop()
	defer close(l.loopDone)

	for {
		select {
		case <-l.closeCh:
			l.flush()
			return
		case <-ticker.C:
			l.flush()
		case <-l.syncSignal:
			l.flush()
		case <-l.syncReq:
			l.syncDone <- l.flush()
		}
	}
}

func (l *Log) tickInterval() time.Duration {
	if l.flushInterval <= 0 {
		return 50 * time.Millisecond
	}
	return l.flushInterval
}

/*
flush drains the buffer into the active segment and fsyncs it, rotating to
a new segment first if the active one has crossed its size threshold.
*/
func (l *Log) flush() error {
	l.bufMu.Lock()
	if !l.dirty {
		l.bufMu.Unlock()
		return nil
	}
	pending := make([]byte, l.buf.Len())
	copy(pending, l.buf.Bytes())
	l.buf.Reset()
	l.dirty = false
	l.bufMu.Unlock()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.segSize >= l.segmentBytes {
		if err := l.rotateLocked(); err != nil {
			walLog.Warning("wal segment rotation failed: ", err)
			return err
		}
	}

	n, err := l.file.Write(pending)
	if err != nil {
		return &store.ZTError{Type: store.ErrIOFailed, Detail: err.Error()}
	}
	l.segSize += int64(n)

	if err := l.file.Sync(); err != nil {
		return &store.ZTError{Type: store.ErrIOFailed, Detail: err.Error()}
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.segSeq++
	name := segmentFileName(l.segSeq)
	if err := l.openSegment(name); err != nil {
		return err
	}
	m, err := readManifest(l.dir)
	if err != nil {
		return err
	}
	m.HeadSegment = name
	walLog.Info("wal rotated to segment ", name)
	return writeManifest(l.dir, m)
}

/*
Sync blocks until everything buffered so far has been fsynced, the
synchronous-durability path a caller opts into with txn.WithSync.
*/
func (l *Log) Sync() error {
	l.syncReq <- struct{}{}
	return <-l.syncDone
}

/*
Close stops the background flusher after a final flush, closes the active
segment file and releases the data directory lock.
*/
func (l *Log) Close() error {
	l.closedOnce.Do(func() { close(l.closeCh) })
	<-l.loopDone
	l.fileMu.Lock()
	err := l.file.Close()
	l.fileMu.Unlock()
	if lferr := l.lockfile.Finish(); lferr != nil && err == nil {
		err = lferr
	}
	return err
}

/*
Dir returns the data directory this log is rooted at.
*/
func (l *Log) Dir() string { return l.dir }

/*
TruncateBefore deletes WAL segment files whose every committed new_rev is
strictly below rev, once a snapshot at that revision is durable. The
active segment is never deleted.
*/
func (l *Log) TruncateBefore(rev uint64) error {
	segs, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	l.fileMu.Lock()
	activeName := filepath.Base(l.file.Name())
	l.fileMu.Unlock()

	for _, name := range segs {
		if name == activeName {
			continue
		}
		maxRev, err := maxCommittedRev(filepath.Join(l.dir, name))
		if err != nil {
			return err
		}
		if maxRev != 0 && maxRev < rev {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				return err
			}
			walLog.Info("wal segment ", name, " truncated (all revs < ", rev, ")")
		}
	}
	return nil
}

func maxCommittedRev(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var max uint64
	var offset int64
	for {
		rec, n, err := readRecord(f, offset)
		if err != nil {
			break
		}
		offset += n
		if rec.Kind == KindTxCommit && rec.Commit.NewRev > max {
			max = rec.Commit.NewRev
		}
	}
	return max, nil
}
