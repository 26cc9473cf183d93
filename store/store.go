/*
Package store implements ZipTag's graph store and revision bookkeeping: the
canonical in-memory state of tags and links, kept as a sequence of
immutable, atomically-published generations so readers never block on a
writer.
*/
package store

import (
	"sync"
	"sync/atomic"

	"github.com/krotik/common/errorutil"
)

/*
Generation is one immutable snapshot of the derived indices. A reader that
captures a Generation may keep using it for the life of a query regardless
of concurrent commits; old generations are released for GC once their last
reader drops the reference.
*/
type Generation struct {
	ByType map[string]map[string]uint64  // ttype -> val -> tref
	ByTref map[uint64]*Tag               // tref -> tag
	Adj    map[uint64]map[uint64]struct{} // tref -> live neighbor trefs
}

func emptyGeneration() *Generation {
	return &Generation{
		ByType: make(map[string]map[string]uint64),
		ByTref: make(map[uint64]*Tag),
		Adj:    make(map[uint64]map[uint64]struct{}),
	}
}

/*
NewGeneration returns an empty Generation for a caller to populate
directly via PutTag/PutLink - used only by snapshot loading, which builds
a Generation from a file rather than from a Delta.
*/
func NewGeneration() *Generation {
	return emptyGeneration()
}

/*
PutTag inserts a live tag (delete_rev = MaxRev) directly into the
generation, preserving its original create_rev. Snapshot-load only: a
live InstallDelta never calls this.
*/
func (g *Generation) PutTag(tref uint64, ttype, val string, createRev uint64) {
	bucket, ok := g.ByType[ttype]
	if !ok {
		bucket = make(map[string]uint64)
		g.ByType[ttype] = bucket
	}
	bucket[val] = tref
	g.ByTref[tref] = &Tag{Tref: tref, TType: ttype, Val: val, CreateRev: createRev, DeleteRev: MaxRev}
	if _, ok := g.Adj[tref]; !ok {
		g.Adj[tref] = make(map[uint64]struct{})
	}
}

/*
PutLink inserts a live, symmetric link directly into the generation.
Snapshot-load only.
*/
func (g *Generation) PutLink(a, b uint64) {
	if _, ok := g.Adj[a]; !ok {
		g.Adj[a] = make(map[uint64]struct{})
	}
	if _, ok := g.Adj[b]; !ok {
		g.Adj[b] = make(map[uint64]struct{})
	}
	g.Adj[a][b] = struct{}{}
	g.Adj[b][a] = struct{}{}
}

/*
clone performs a shallow copy-on-write clone of the generation's top-level
maps; leaf maps that are untouched by a given delta are shared, not copied.
*/
func (g *Generation) clone() *Generation {
	ng := &Generation{
		ByType: make(map[string]map[string]uint64, len(g.ByType)),
		ByTref: make(map[uint64]*Tag, len(g.ByTref)),
		Adj:    make(map[uint64]map[uint64]struct{}, len(g.Adj)),
	}
	for k, v := range g.ByType {
		ng.ByType[k] = v
	}
	for k, v := range g.ByTref {
		ng.ByTref[k] = v
	}
	for k, v := range g.Adj {
		ng.Adj[k] = v
	}
	return ng
}

/*
Store is the canonical graph store: per-type indices, the tref table and
adjacency sets, plus the monotonic revision counter. The zero Store is not
usable; create one with New.

Store embeds a sync.Mutex that serves as the exclusive writer lock: a
Tx commit (package txn) must Lock/Unlock it for the entire
install-and-advance-revision sequence, including the WAL append that
happens between tref assignment and the index swap. Readers never take it.
*/
type Store struct {
	sync.Mutex

	gen atomic.Value // holds *Generation

	nextTref   uint64 // protected by the embedded mutex
	currentRev uint64 // read atomically; written only under the mutex
}

/*
New creates an empty Store at rev 0.
*/
func New() *Store {
	s := &Store{}
	s.gen.Store(emptyGeneration())
	return s
}

/*
CurrentRev returns the latest committed revision. Safe to call without
holding the writer lock.
*/
func (s *Store) CurrentRev() uint64 {
	return atomic.LoadUint64(&s.currentRev)
}

/*
Snapshot returns the current generation together with the revision it was
published at. The caller may hold onto the generation as long as it wants;
it will never be mutated in place.
*/
func (s *Store) Snapshot() (*Generation, uint64) {
	return s.gen.Load().(*Generation), s.CurrentRev()
}

/*
AllocTref hands out the next monotonic tref. Must be called while the
writer lock is held.
*/
func (s *Store) AllocTref() uint64 {
	s.nextTref++
	return s.nextTref
}

/*
NextTref returns the counter AllocTref advances: the last tref handed out
(0 before any), without consuming one. Saved in snapshots so recovery can
restore the counter.
*/
func (s *Store) NextTref() uint64 {
	return s.nextTref
}

/*
SetNextTref restores the tref counter, e.g. from a loaded snapshot. Must be
called before any concurrent access begins.
*/
func (s *Store) SetNextTref(v uint64) {
	s.nextTref = v
}

/*
SetCurrentRev forcibly sets the published revision, used only during
recovery before the store is opened for general use.
*/
func (s *Store) SetCurrentRev(v uint64) {
	atomic.StoreUint64(&s.currentRev, v)
}

/*
LoadGeneration installs a fully formed Generation as-is, bypassing
InstallDelta's delta semantics. Used only by snapshot loading during
startup recovery, where tags must keep their original create_rev rather
than all being stamped with one new revision.
*/
func (s *Store) LoadGeneration(gen *Generation, currentRev, nextTref uint64) {
	s.gen.Store(gen)
	atomic.StoreUint64(&s.currentRev, currentRev)
	s.nextTref = nextTref
}

// Delta describes everything install_delta applies, in application order.
type Delta struct {
	DeclaredTTypes []string
	DroppedTTypes  []string

	// NewTags lists each tag to create, with the real tref already
	// assigned to its identity.
	NewTags []DeltaTag

	AddedLinks   []DeltaLink
	RemovedLinks []DeltaLink

	RemovedTrefs []uint64
}

/*
DeltaTag carries the real tref already assigned (by AllocTref, under the
writer lock, before InstallDelta is called) together with the identity.
*/
type DeltaTag struct {
	Tref  uint64
	TType string
	Val   string
}

/*
DeltaLink names a link between two tags by their already-real trefs.
*/
type DeltaLink struct {
	A, B uint64
}

/*
InstallDelta is the sole mutator of base state. It must be called with
the writer lock held, after the caller has already assigned real trefs
and a new revision. Application order: ttype declarations, tag
creations, link additions, link removals, then tag removals.
*/
func (s *Store) InstallDelta(delta *Delta, newRev uint64) {
	old := s.gen.Load().(*Generation)
	ng := old.clone()

	for _, t := range delta.DeclaredTTypes {
		if _, ok := ng.ByType[t]; !ok {
			ng.ByType[t] = make(map[string]uint64)
		}
	}

	for _, nt := range delta.NewTags {
		bucket, ok := ng.ByType[nt.TType]
		if !ok {
			bucket = make(map[string]uint64)
		} else {
			nb := make(map[string]uint64, len(bucket)+1)
			for k, v := range bucket {
				nb[k] = v
			}
			bucket = nb
		}
		bucket[nt.Val] = nt.Tref
		ng.ByType[nt.TType] = bucket

		ng.ByTref[nt.Tref] = &Tag{
			Tref:      nt.Tref,
			TType:     nt.TType,
			Val:       nt.Val,
			CreateRev: newRev,
			DeleteRev: MaxRev,
		}
		if _, ok := ng.Adj[nt.Tref]; !ok {
			ng.Adj[nt.Tref] = make(map[uint64]struct{})
		}
	}

	addAdj := func(a, b uint64) {
		sa, ok := ng.Adj[a]
		if !ok {
			sa = make(map[uint64]struct{})
		} else {
			nsa := make(map[uint64]struct{}, len(sa)+1)
			for k := range sa {
				nsa[k] = struct{}{}
			}
			sa = nsa
		}
		sa[b] = struct{}{}
		ng.Adj[a] = sa
	}

	for _, l := range delta.AddedLinks {
		errorutil.AssertTrue(l.A != l.B, "self-link reached InstallDelta")
		addAdj(l.A, l.B)
		addAdj(l.B, l.A)
	}

	delAdj := func(a, b uint64) {
		sa, ok := ng.Adj[a]
		if !ok {
			return
		}
		nsa := make(map[uint64]struct{}, len(sa))
		for k := range sa {
			if k != b {
				nsa[k] = struct{}{}
			}
		}
		ng.Adj[a] = nsa
	}

	for _, l := range delta.RemovedLinks {
		delAdj(l.A, l.B)
		delAdj(l.B, l.A)
	}

	for _, tref := range delta.RemovedTrefs {
		if tag, ok := ng.ByTref[tref]; ok {
			tombstoned := &Tag{
				Tref:      tag.Tref,
				TType:     tag.TType,
				Val:       tag.Val,
				CreateRev: tag.CreateRev,
				DeleteRev: newRev,
			}
			ng.ByTref[tref] = tombstoned

			if bucket, ok := ng.ByType[tag.TType]; ok {
				nb := make(map[string]uint64, len(bucket))
				for k, v := range bucket {
					if k != tag.Val {
						nb[k] = v
					}
				}
				if len(nb) == 0 {
					delete(ng.ByType, tag.TType)
				} else {
					ng.ByType[tag.TType] = nb
				}
			}

			for neighbor := range ng.Adj[tref] {
				delAdj(neighbor, tref)
			}
			ng.Adj[tref] = make(map[uint64]struct{})
		}
	}

	for _, t := range delta.DroppedTTypes {
		if bucket, ok := ng.ByType[t]; ok && len(bucket) == 0 {
			delete(ng.ByType, t)
		}
	}

	s.gen.Store(ng)
	atomic.StoreUint64(&s.currentRev, newRev)
}

/*
LookupByIdentity returns the live tref for (ttype,val) at the given rev, if
any.
*/
func (g *Generation) LookupByIdentity(ttype, val string, rev uint64) (uint64, bool) {
	bucket, ok := g.ByType[ttype]
	if !ok {
		return 0, false
	}
	tref, ok := bucket[val]
	if !ok {
		return 0, false
	}
	tag := g.ByTref[tref]
	if tag == nil || !tag.IsLive(rev) {
		return 0, false
	}
	return tref, true
}

/*
Get returns the tag for tref if it is live at rev.
*/
func (g *Generation) Get(tref uint64, rev uint64) (*Tag, bool) {
	tag, ok := g.ByTref[tref]
	if !ok || !tag.IsLive(rev) {
		return nil, false
	}
	return tag, true
}

/*
Neighbors returns the live neighbor trefs of tref at rev.
*/
func (g *Generation) Neighbors(tref uint64, rev uint64) []uint64 {
	set := g.Adj[tref]
	out := make([]uint64, 0, len(set))
	for n := range set {
		if tag, ok := g.ByTref[n]; ok && tag.IsLive(rev) {
			out = append(out, n)
		}
	}
	return out
}

/*
AllOfType returns every live tref of the given ttype at rev.
*/
func (g *Generation) AllOfType(ttype string, rev uint64) []uint64 {
	bucket := g.ByType[ttype]
	out := make([]uint64, 0, len(bucket))
	for _, tref := range bucket {
		if tag, ok := g.ByTref[tref]; ok && tag.IsLive(rev) {
			out = append(out, tref)
		}
	}
	return out
}

/*
Cardinality is a cheap cardinality estimate for the planner's join
ordering: the live bucket size for a ttype.
*/
func (g *Generation) Cardinality(ttype string) int {
	return len(g.ByType[ttype])
}

/*
Stats is a read-only diagnostic snapshot of the store's current
generation: the live tag count per ttype, the total live link count, and
the revision it was taken at.
*/
type Stats struct {
	CurrentRev   uint64
	TagsByType   map[string]int
	LiveLinks    int
	LiveTagTotal int
}

/*
Stats computes a diagnostic snapshot of the store's live state. It never
blocks a concurrent commit: it reads a single immutable Generation the
same way a query would.
*/
func (s *Store) Stats() Stats {
	gen, rev := s.Snapshot()

	byType := make(map[string]int, len(gen.ByType))
	total := 0
	for ttype, bucket := range gen.ByType {
		n := len(bucket)
		byType[ttype] = n
		total += n
	}

	links := 0
	for tref, neighbors := range gen.Adj {
		if _, ok := gen.Get(tref, rev); !ok {
			continue
		}
		for n := range neighbors {
			if n > tref {
				links++
			}
		}
	}

	return Stats{
		CurrentRev:   rev,
		TagsByType:   byType,
		LiveLinks:    links,
		LiveTagTotal: total,
	}
}
