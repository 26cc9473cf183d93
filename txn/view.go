package txn

import (
	"sync/atomic"

	"github.com/ziptag/ziptag/store"
)

// viewSeqCounter hands out a process-unique identity to every View built
// by NewView/Compose, so the executor's memo cache can tell two Views
// apart even when they share a base revision.
var viewSeqCounter int64

/*
View composes a base revision of the Store with zero or more ordered,
uncommitted Tx overlays into the single read surface the planner and
executor operate over.

Refs returned by a View are only meaningful for that View instance: a
committed tag's Ref is its real tref (positive), but a tag that exists
only in an overlay gets a synthetic negative Ref assigned the first time
the View encounters its identity. Two Views never share synthetic Refs,
even over the same overlays, so Refs must not be persisted or compared
across View instances.
*/
type View struct {
	gen      *store.Generation
	rev      uint64
	overlays []*Tx
	seq      int64

	synth     map[identity]Ref
	synthRev  map[Ref]identity
	nextSynth int64
}

/*
NewView captures the store's current generation and composes it with the
given overlays, in the order they should be read (last overlay wins on
conflicting identity/tombstone decisions).
*/
func NewView(s *store.Store, overlays ...*Tx) *View {
	gen, rev := s.Snapshot()
	return &View{
		gen:      gen,
		rev:      rev,
		overlays: overlays,
		seq:      atomic.AddInt64(&viewSeqCounter, 1),
		synth:    make(map[identity]Ref),
		synthRev: make(map[Ref]identity),
	}
}

/*
Identity returns a value that uniquely distinguishes this View from every
other View built in this process, including another View composed from
the same base revision and overlays. Used to scope memoized plan results
to the View they were computed against.
*/
func (v *View) Identity() int64 {
	return v.seq
}

/*
BaseRev returns the revision this view's base generation was captured at.
*/
func (v *View) BaseRev() uint64 {
	return v.rev
}

/*
Compose returns a new View over the same base generation with an
additional overlay layered on top, ordered last (so it wins ties against
every overlay already in v). Used to preview a query's own `with` block
without mutating v or committing anything.
*/
func (v *View) Compose(tx *Tx) *View {
	overlays := make([]*Tx, len(v.overlays)+1)
	copy(overlays, v.overlays)
	overlays[len(v.overlays)] = tx
	return &View{
		gen:      v.gen,
		rev:      v.rev,
		overlays: overlays,
		seq:      atomic.AddInt64(&viewSeqCounter, 1),
		synth:    make(map[identity]Ref),
		synthRev: make(map[Ref]identity),
	}
}

func (v *View) synthRefFor(id identity) Ref {
	if ref, ok := v.synth[id]; ok {
		return ref
	}
	v.nextSynth--
	ref := Ref(v.nextSynth)
	v.synth[id] = ref
	v.synthRev[ref] = id
	return ref
}

func (v *View) identityOf(ref Ref) (identity, bool) {
	if ref > 0 {
		if tag, ok := v.gen.Get(uint64(ref), v.rev); ok {
			return identity{tag.TType, tag.Val}, true
		}
		return identity{}, false
	}
	id, ok := v.synthRev[ref]
	return id, ok
}

/*
resolve implements the last-overlay-wins identity lookup: the last overlay
that mentions this identity at all (as a tombstone or a staged tag)
decides the outcome; overlays that don't mention it are skipped.
*/
func (v *View) resolve(id identity) (Ref, bool) {
	for i := len(v.overlays) - 1; i >= 0; i-- {
		ovl := v.overlays[i]
		if _, tomb := ovl.tombstoned[id]; tomb {
			return 0, false
		}
		if _, ok := ovl.newTags[id]; ok {
			return v.synthRefFor(id), true
		}
	}
	if tref, ok := v.gen.LookupByIdentity(id.ttype, id.val, v.rev); ok {
		return Ref(tref), true
	}
	return 0, false
}

/*
LookupByIdentity resolves (ttype,val) against the composed view.
*/
func (v *View) LookupByIdentity(ttype, val string) (Ref, bool) {
	return v.resolve(identity{ttype, val})
}

/*
Get returns the ttype/val pair for a Ref produced by this view.
*/
func (v *View) Get(ref Ref) (ttype, val string, ok bool) {
	id, ok := v.identityOf(ref)
	if !ok {
		return "", "", false
	}
	return id.ttype, id.val, true
}

func (v *View) tombstonedByAny(id identity) bool {
	for _, ovl := range v.overlays {
		if _, tomb := ovl.tombstoned[id]; tomb {
			return true
		}
	}
	return false
}

/*
Neighbors returns the live neighbor Refs of ref in the composed view: base
neighbors not tombstoned or unlinked by any overlay, unioned with
overlay-added links not removed by a later overlay.
*/
func (v *View) Neighbors(ref Ref) []Ref {
	id, ok := v.identityOf(ref)
	if !ok {
		return nil
	}

	neighborIDs := make(map[identity]struct{})

	if ref > 0 {
		for _, n := range v.gen.Neighbors(uint64(ref), v.rev) {
			if tag, ok := v.gen.Get(n, v.rev); ok {
				nid := identity{tag.TType, tag.Val}
				unlinked := false
				for _, ovl := range v.overlays {
					if _, ok := ovl.removedLinks[newIDLinkKey(id, nid)]; ok {
						unlinked = true
					}
				}
				if !v.tombstonedByAny(nid) && !unlinked {
					neighborIDs[nid] = struct{}{}
				}
			}
		}
	}

	for i, ovl := range v.overlays {
		for key := range ovl.addedLinks {
			var other identity
			switch {
			case key.x == id:
				other = key.y
			case key.y == id:
				other = key.x
			default:
				continue
			}

			removedLater := false
			for j := i + 1; j < len(v.overlays); j++ {
				if _, ok := v.overlays[j].removedLinks[key]; ok {
					removedLater = true
					break
				}
			}
			if removedLater || v.tombstonedByAny(other) || v.tombstonedByAny(id) {
				continue
			}
			neighborIDs[other] = struct{}{}
		}
	}

	out := make([]Ref, 0, len(neighborIDs))
	for nid := range neighborIDs {
		if r, ok := v.resolve(nid); ok {
			out = append(out, r)
		}
	}
	return out
}

/*
AllOfType returns every live Ref of the given ttype in the composed view.
*/
func (v *View) AllOfType(ttype string) []Ref {
	candidates := make(map[identity]struct{})
	for val := range v.gen.ByType[ttype] {
		candidates[identity{ttype, val}] = struct{}{}
	}
	for _, ovl := range v.overlays {
		for id := range ovl.newTags {
			if id.ttype == ttype {
				candidates[id] = struct{}{}
			}
		}
	}

	out := make([]Ref, 0, len(candidates))
	for id := range candidates {
		if r, ok := v.resolve(id); ok {
			out = append(out, r)
		}
	}
	return out
}

/*
Cardinality is a cheap, possibly approximate cardinality estimate for the
planner's join ordering: base bucket size plus staged additions of that
ttype across all overlays.
*/
func (v *View) Cardinality(ttype string) int {
	n := len(v.gen.ByType[ttype])
	for _, ovl := range v.overlays {
		for id := range ovl.newTags {
			if id.ttype == ttype {
				n++
			}
		}
	}
	return n
}
