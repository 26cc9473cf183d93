/*
Package txn implements ZipTag's transaction / overlay layer: staged
delta layers that can be previewed as a read-only overlay or committed
atomically into the graph store, advancing the revision and appending a
transaction record group to the write-ahead log.
*/
package txn

import (
	"fmt"
	"sort"

	"github.com/krotik/common/errorutil"

	"github.com/ziptag/ziptag/store"
)

/*
Ref identifies a tag within the Tx that produced it. A positive Ref is a
real, committed tref. A negative Ref is a transaction-scoped placeholder
for a tag staged but not yet committed - it is only meaningful within the
Tx that created it; Refs from two different Tx values are never compared
directly, which is why View composition (view.go) works in terms of
identities rather than raw Refs.
*/
type Ref int64

type identity struct {
	ttype, val string
}

func (id identity) less(other identity) bool {
	if id.ttype != other.ttype {
		return id.ttype < other.ttype
	}
	return id.val < other.val
}

/*
TType and Val expose an identity's fields to callers outside this package,
e.g. the WAL when it serializes a staged Op's link endpoints.
*/
func (id identity) TType() string { return id.ttype }
func (id identity) Val() string   { return id.val }

/*
NewIdentity builds an identity value from a (ttype,val) pair. Exported for
the WAL, which reconstructs an Op's link endpoints from decoded record
fields during recovery.
*/
func NewIdentity(ttype, val string) identity {
	return identity{ttype, val}
}

type idLinkKey struct {
	x, y identity
}

func newIDLinkKey(a, b identity) idLinkKey {
	if b.less(a) {
		a, b = b, a
	}
	return idLinkKey{a, b}
}

/*
Logger is the minimal interface a WAL implementation exposes to a Tx; kept
narrow here rather than importing package wal directly, so the
transaction layer does not depend on the durability layer's concrete
types.
*/
type Logger interface {
	AppendTx(txid uint64, parentRev uint64, ops []Op) error
}

/*
Op is one staged operation, in the deterministic order it was issued.
*/
type Op struct {
	Kind  OpKind
	TType string
	Val   string
	A, B  identity
}

type OpKind uint8

const (
	OpAddTag OpKind = iota
	OpRemTag
	OpLink
	OpUnlink
	OpDeclareTType
	OpDropTType
)

/*
Tx is an in-memory delta layer opened against a base revision of a Store.
It is not safe for concurrent use by multiple goroutines.
*/
type Tx struct {
	s         *store.Store
	wal       Logger
	parentRev uint64

	nextPlaceholder int64

	newTags      map[identity]Ref
	placeholders map[Ref]identity
	tombstoned   map[identity]struct{}
	addedLinks   map[idLinkKey]struct{}
	removedLinks map[idLinkKey]struct{}
	declared     map[string]struct{}
	dropped      map[string]struct{}

	ops []Op

	maxValBytes   int
	maxTTypeBytes int

	sync      bool
	aborted   bool
	committed bool
}

/*
Option configures a Tx at open time.
*/
type Option func(*Tx)

/*
WithWAL attaches a durability logger that Commit will append transaction
records to. A Tx opened without one commits in-memory only (used for
preview-only overlays in tests).
*/
func WithWAL(l Logger) Option {
	return func(tx *Tx) { tx.wal = l }
}

/*
WithLimits overrides the default value/ttype size limits.
*/
func WithLimits(maxValBytes, maxTTypeBytes int) Option {
	return func(tx *Tx) {
		tx.maxValBytes = maxValBytes
		tx.maxTTypeBytes = maxTTypeBytes
	}
}

/*
WithSync forces this one Commit to block until its WAL record group is
fsynced, regardless of the attached Logger's own flush interval (the
per-call override the SyncOnCommit config key names). A no-op if the
attached Logger does not implement Syncer.
*/
func WithSync() Option {
	return func(tx *Tx) { tx.sync = true }
}

/*
Syncer is implemented by a Logger that can block until everything
buffered so far is durable. Kept separate from Logger itself since a
preview-only Tx has no Logger to satisfy it.
*/
type Syncer interface {
	Sync() error
}

/*
Open starts a new Tx against the store's current revision.
*/
func Open(s *store.Store, opts ...Option) *Tx {
	tx := &Tx{
		s:             s,
		parentRev:     s.CurrentRev(),
		newTags:       make(map[identity]Ref),
		placeholders:  make(map[Ref]identity),
		tombstoned:    make(map[identity]struct{}),
		addedLinks:    make(map[idLinkKey]struct{}),
		removedLinks:  make(map[idLinkKey]struct{}),
		declared:      make(map[string]struct{}),
		dropped:       make(map[string]struct{}),
		maxValBytes:   1024,
		maxTTypeBytes: 64,
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

/*
ParentRev returns the revision this Tx was opened against.
*/
func (tx *Tx) ParentRev() uint64 {
	return tx.parentRev
}

func (tx *Tx) checkOpen() {
	errorutil.AssertTrue(!tx.aborted && !tx.committed, "operation on a closed transaction")
}

/*
resolveIdentity looks up (ttype,val) across this Tx's own staged tags,
falling back to base state at parent_rev, honoring this Tx's own
tombstones.
*/
func (tx *Tx) resolveIdentity(ttype, val string) (Ref, bool) {
	id := identity{ttype, val}
	if _, tomb := tx.tombstoned[id]; tomb {
		return 0, false
	}
	if ref, ok := tx.newTags[id]; ok {
		return ref, true
	}
	gen, _ := tx.s.Snapshot()
	if tref, ok := gen.LookupByIdentity(ttype, val, tx.parentRev); ok {
		return Ref(tref), true
	}
	return 0, false
}

/*
AddTag stages a tag creation. Idempotent: a second call with the same
identity returns the same Ref as the first, whether that identity is
already committed or only staged in this Tx.
*/
func (tx *Tx) AddTag(ttype, val string) (Ref, error) {
	tx.checkOpen()

	if !store.IsValidTType(ttype, tx.maxTTypeBytes) {
		return 0, &store.ZTError{Type: store.ErrValidation, Detail: fmt.Sprintf("bad ttype %q", ttype)}
	}
	if len(val) == 0 || len(val) > tx.maxValBytes {
		return 0, &store.ZTError{Type: store.ErrValidation, Detail: fmt.Sprintf("value length %d out of bounds", len(val))}
	}

	if ref, ok := tx.resolveIdentity(ttype, val); ok {
		return ref, nil
	}

	id := identity{ttype, val}
	tx.nextPlaceholder--
	ref := Ref(tx.nextPlaceholder)
	tx.newTags[id] = ref
	tx.placeholders[ref] = id
	tx.declared[ttype] = struct{}{}

	tx.ops = append(tx.ops, Op{Kind: OpAddTag, TType: ttype, Val: val})

	return ref, nil
}

/*
RemTag stages a tag removal. A no-op if the tag is already tombstoned, or
does not exist, in this Tx's own merged view.
*/
func (tx *Tx) RemTag(ttype, val string) error {
	tx.checkOpen()

	id := identity{ttype, val}
	if _, ok := tx.resolveIdentity(ttype, val); !ok {
		return nil
	}

	tx.tombstoned[id] = struct{}{}
	delete(tx.newTags, id)

	tx.ops = append(tx.ops, Op{Kind: OpRemTag, TType: ttype, Val: val})

	return nil
}

/*
refByIdentity resolves a (ttype,val) pair to a Ref, staging nothing; the
pair must already exist in the merged view.
*/
func (tx *Tx) refByIdentity(ttype, val string) (Ref, error) {
	ref, ok := tx.resolveIdentity(ttype, val)
	if !ok {
		return 0, &store.ZTError{Type: store.ErrNotFound, Detail: fmt.Sprintf("%s:%s", ttype, val)}
	}
	return ref, nil
}

/*
Link stages a bidirectional link between two tags, identified by
(ttype,val) pairs. Self-links are rejected. Idempotent: linking an already
-linked pair in the merged view is a no-op.
*/
func (tx *Tx) Link(ttypeA, valA, ttypeB, valB string) error {
	tx.checkOpen()

	a, err := tx.refByIdentity(ttypeA, valA)
	if err != nil {
		return err
	}
	b, err := tx.refByIdentity(ttypeB, valB)
	if err != nil {
		return err
	}
	if a == b {
		return &store.ZTError{Type: store.ErrValidation, Detail: "self-link"}
	}

	key := newIDLinkKey(identity{ttypeA, valA}, identity{ttypeB, valB})
	delete(tx.removedLinks, key)
	if _, ok := tx.addedLinks[key]; ok {
		return nil
	}
	tx.addedLinks[key] = struct{}{}

	tx.ops = append(tx.ops, Op{Kind: OpLink, A: identity{ttypeA, valA}, B: identity{ttypeB, valB}})

	return nil
}

/*
Unlink stages removal of a link. A no-op if the link is not present in the
merged view.
*/
func (tx *Tx) Unlink(ttypeA, valA, ttypeB, valB string) error {
	tx.checkOpen()

	a, err := tx.refByIdentity(ttypeA, valA)
	if err != nil {
		return nil
	}
	b, err := tx.refByIdentity(ttypeB, valB)
	if err != nil {
		return nil
	}

	key := newIDLinkKey(identity{ttypeA, valA}, identity{ttypeB, valB})
	if _, staged := tx.addedLinks[key]; !staged {
		if _, removed := tx.removedLinks[key]; removed || a < 0 || b < 0 {
			return nil
		}
		linked := false
		gen, _ := tx.s.Snapshot()
		for _, n := range gen.Neighbors(uint64(a), tx.parentRev) {
			linked = linked || n == uint64(b)
		}
		if !linked {
			return nil
		}
	}
	delete(tx.addedLinks, key)
	tx.removedLinks[key] = struct{}{}

	tx.ops = append(tx.ops, Op{Kind: OpUnlink, A: identity{ttypeA, valA}, B: identity{ttypeB, valB}})

	return nil
}

/*
DeclareTType stages an explicit ttype declaration - a no-op at the store
level beyond making the ttype bucket exist, since creation is otherwise
implicit on first tag.
*/
func (tx *Tx) DeclareTType(ttype string) error {
	tx.checkOpen()
	if !store.IsValidTType(ttype, tx.maxTTypeBytes) {
		return &store.ZTError{Type: store.ErrValidation, Detail: fmt.Sprintf("bad ttype %q", ttype)}
	}
	tx.declared[ttype] = struct{}{}
	tx.ops = append(tx.ops, Op{Kind: OpDeclareTType, TType: ttype})
	return nil
}

/*
DropTType stages removal of an empty ttype bucket. Fails if any live tag
of that ttype remains in the merged view.
*/
func (tx *Tx) DropTType(ttype string) error {
	tx.checkOpen()

	gen, rev := tx.s.Snapshot()
	for _, tref := range gen.AllOfType(ttype, rev) {
		tag, _ := gen.Get(tref, rev)
		if _, tomb := tx.tombstoned[identity{tag.TType, tag.Val}]; !tomb {
			return &store.ZTError{Type: store.ErrValidation, Detail: fmt.Sprintf("ttype %q still has live tags", ttype)}
		}
	}
	for id := range tx.newTags {
		if id.ttype == ttype {
			return &store.ZTError{Type: store.ErrValidation, Detail: fmt.Sprintf("ttype %q still has staged tags", ttype)}
		}
	}

	tx.dropped[ttype] = struct{}{}
	tx.ops = append(tx.ops, Op{Kind: OpDropTType, TType: ttype})

	return nil
}

/*
ApplyOp re-stages a previously recorded Op against this Tx, dispatching to
the same staging methods a live caller would have used. Used by WAL
recovery to replay a committed transaction's ops in issue order; every op
kind is idempotent, so replaying an already-applied op is harmless.
*/
func (tx *Tx) ApplyOp(op Op) error {
	switch op.Kind {
	case OpAddTag:
		_, err := tx.AddTag(op.TType, op.Val)
		return err
	case OpRemTag:
		return tx.RemTag(op.TType, op.Val)
	case OpLink:
		return tx.Link(op.A.TType(), op.A.Val(), op.B.TType(), op.B.Val())
	case OpUnlink:
		return tx.Unlink(op.A.TType(), op.A.Val(), op.B.TType(), op.B.Val())
	case OpDeclareTType:
		return tx.DeclareTType(op.TType)
	case OpDropTType:
		return tx.DropTType(op.TType)
	}
	return fmt.Errorf("unknown op kind %v", op.Kind)
}

/*
Abort discards the delta. The Tx must not be used afterwards.
*/
func (tx *Tx) Abort() {
	tx.aborted = true
}

/*
Ops returns the staged operations in deterministic issue order, for WAL
serialization.
*/
func (tx *Tx) Ops() []Op {
	return tx.ops
}

/*
Commit is the atomic commit step:
1. Acquire the store's writer lock.
2. Re-validate: every staged removal/unlink target must still exist at
   current_rev (ConflictStaleParent otherwise); additions never conflict.
3. Assign real trefs to staged new tags.
4. Append WAL records (if a Logger is attached).
5. Install the delta into the store and advance current_rev.
6. Release the lock.
*/
func (tx *Tx) Commit() (uint64, error) {
	tx.checkOpen()

	tx.s.Lock()
	defer tx.s.Unlock()

	if err := tx.validateAgainstCurrent(); err != nil {
		return 0, err
	}

	newRev := tx.s.CurrentRev() + 1
	delta := &store.Delta{}

	for t := range tx.declared {
		delta.DeclaredTTypes = append(delta.DeclaredTTypes, t)
	}
	sort.Strings(delta.DeclaredTTypes)

	var newIDs []identity
	for id := range tx.newTags {
		newIDs = append(newIDs, id)
	}
	sort.Slice(newIDs, func(i, j int) bool { return newIDs[i].less(newIDs[j]) })

	refToTref := make(map[Ref]uint64, len(newIDs))
	for _, id := range newIDs {
		ref := tx.newTags[id]
		tref := tx.s.AllocTref()
		refToTref[ref] = tref
		delta.NewTags = append(delta.NewTags, store.DeltaTag{Tref: tref, TType: id.ttype, Val: id.val})
	}

	trefOf := func(id identity) uint64 {
		if ref, ok := tx.newTags[id]; ok {
			return refToTref[ref]
		}
		gen, _ := tx.s.Snapshot()
		tref, _ := gen.LookupByIdentity(id.ttype, id.val, tx.parentRev)
		return tref
	}

	for key := range tx.addedLinks {
		delta.AddedLinks = append(delta.AddedLinks, store.DeltaLink{A: trefOf(key.x), B: trefOf(key.y)})
	}
	for key := range tx.removedLinks {
		delta.RemovedLinks = append(delta.RemovedLinks, store.DeltaLink{A: trefOf(key.x), B: trefOf(key.y)})
	}

	gen, _ := tx.s.Snapshot()
	for id := range tx.tombstoned {
		if tref, ok := gen.LookupByIdentity(id.ttype, id.val, tx.parentRev); ok {
			delta.RemovedTrefs = append(delta.RemovedTrefs, tref)
		}
	}
	sort.Slice(delta.RemovedTrefs, func(i, j int) bool { return delta.RemovedTrefs[i] < delta.RemovedTrefs[j] })

	for t := range tx.dropped {
		delta.DroppedTTypes = append(delta.DroppedTTypes, t)
	}
	sort.Strings(delta.DroppedTTypes)

	if tx.wal != nil {
		// new_rev is already strictly monotonic and never reused, so it
		// doubles as the WAL's txid: no separate counter to keep in sync
		// with what has actually been made durable across restarts.
		if err := tx.wal.AppendTx(newRev, tx.parentRev, tx.ops); err != nil {
			return 0, &store.ZTError{Type: store.ErrDurability, Detail: err.Error()}
		}
		if tx.sync {
			if s, ok := tx.wal.(Syncer); ok {
				if err := s.Sync(); err != nil {
					return 0, &store.ZTError{Type: store.ErrDurability, Detail: err.Error()}
				}
			}
		}
	}

	tx.s.InstallDelta(delta, newRev)
	tx.committed = true

	return newRev, nil
}

/*
validateAgainstCurrent re-checks staged removals/unlinks against the
store's current committed state, in case other transactions committed
while this one was being built. Additions are always conflict-free.
*/
func (tx *Tx) validateAgainstCurrent() error {
	if tx.parentRev == tx.s.CurrentRev() {
		return nil
	}

	gen, rev := tx.s.Snapshot()

	for id := range tx.tombstoned {
		if _, ok := gen.LookupByIdentity(id.ttype, id.val, rev); !ok {
			if _, staged := tx.newTags[id]; !staged {
				return &store.ZTError{Type: store.ErrConflict, Detail: fmt.Sprintf("%s:%s no longer live", id.ttype, id.val)}
			}
		}
	}
	for key := range tx.removedLinks {
		aTref, aOK := gen.LookupByIdentity(key.x.ttype, key.x.val, rev)
		bTref, bOK := gen.LookupByIdentity(key.y.ttype, key.y.val, rev)
		if !aOK || !bOK {
			return &store.ZTError{Type: store.ErrConflict, Detail: "unlink target no longer live"}
		}
		found := false
		for _, n := range gen.Neighbors(aTref, rev) {
			if n == bTref {
				found = true
				break
			}
		}
		if !found {
			return &store.ZTError{Type: store.ErrConflict, Detail: "link no longer live"}
		}
	}

	return nil
}
