package store

import (
	"sync"
	"testing"
)

func TestNewStoreEmpty(t *testing.T) {
	s := New()

	if rev := s.CurrentRev(); rev != 0 {
		t.Error("new store should start at rev 0, got", rev)
	}

	gen, rev := s.Snapshot()
	if rev != 0 {
		t.Error("unexpected snapshot rev:", rev)
	}
	if len(gen.ByTref) != 0 {
		t.Error("new generation should be empty")
	}
}

func TestAllocTrefMonotonic(t *testing.T) {
	s := New()

	s.Lock()
	a := s.AllocTref()
	b := s.AllocTref()
	s.Unlock()

	if b <= a {
		t.Error("expected strictly increasing trefs, got", a, b)
	}
	if s.NextTref() != b {
		t.Error("NextTref should reflect the last allocated tref, got", s.NextTref())
	}
}

func TestInstallDeltaCreateTag(t *testing.T) {
	s := New()

	s.Lock()
	tref := s.AllocTref()
	s.InstallDelta(&Delta{
		NewTags: []DeltaTag{{Tref: tref, TType: "person", Val: "alice"}},
	}, 1)
	s.Unlock()

	gen, rev := s.Snapshot()
	if rev != 1 {
		t.Error("expected rev 1, got", rev)
	}

	got, ok := gen.LookupByIdentity("person", "alice", rev)
	if !ok || got != tref {
		t.Error("expected to find alice at", tref, "got", got, ok)
	}

	tag, ok := gen.Get(tref, rev)
	if !ok {
		t.Fatal("expected tag to be live")
	}
	if tag.CreateRev != 1 || tag.DeleteRev != MaxRev {
		t.Error("unexpected rev stamps on new tag:", tag)
	}
}

func TestInstallDeltaRemoveTagTombstones(t *testing.T) {
	s := New()

	s.Lock()
	tref := s.AllocTref()
	s.InstallDelta(&Delta{NewTags: []DeltaTag{{Tref: tref, TType: "person", Val: "alice"}}}, 1)
	s.InstallDelta(&Delta{RemovedTrefs: []uint64{tref}}, 2)
	s.Unlock()

	gen, rev := s.Snapshot()

	if _, ok := gen.Get(tref, rev); ok {
		t.Error("tag should no longer be live at rev", rev)
	}

	// Still visible at the rev it was live at.
	if _, ok := gen.Get(tref, 1); !ok {
		t.Error("tag should still be visible when read at rev 1")
	}

	if _, ok := gen.LookupByIdentity("person", "alice", rev); ok {
		t.Error("identity lookup should not resolve a tombstoned tag")
	}
}

func TestInstallDeltaLinksAreSymmetric(t *testing.T) {
	s := New()

	s.Lock()
	a := s.AllocTref()
	b := s.AllocTref()
	s.InstallDelta(&Delta{
		NewTags: []DeltaTag{
			{Tref: a, TType: "person", Val: "alice"},
			{Tref: b, TType: "person", Val: "bob"},
		},
	}, 1)
	s.InstallDelta(&Delta{AddedLinks: []DeltaLink{{A: a, B: b}}}, 2)
	s.Unlock()

	gen, rev := s.Snapshot()

	an := gen.Neighbors(a, rev)
	bn := gen.Neighbors(b, rev)

	if len(an) != 1 || an[0] != b {
		t.Error("expected a's only neighbor to be b, got", an)
	}
	if len(bn) != 1 || bn[0] != a {
		t.Error("expected b's only neighbor to be a, got", bn)
	}
}

func TestInstallDeltaRemoveLink(t *testing.T) {
	s := New()

	s.Lock()
	a := s.AllocTref()
	b := s.AllocTref()
	s.InstallDelta(&Delta{
		NewTags: []DeltaTag{
			{Tref: a, TType: "person", Val: "alice"},
			{Tref: b, TType: "person", Val: "bob"},
		},
	}, 1)
	s.InstallDelta(&Delta{AddedLinks: []DeltaLink{{A: a, B: b}}}, 2)
	s.InstallDelta(&Delta{RemovedLinks: []DeltaLink{{A: a, B: b}}}, 3)
	s.Unlock()

	gen, rev := s.Snapshot()
	if n := gen.Neighbors(a, rev); len(n) != 0 {
		t.Error("expected no neighbors after unlink, got", n)
	}
}

func TestInstallDeltaSelfLinkPanics(t *testing.T) {
	s := New()

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected InstallDelta to panic on a self-link")
		}
	}()

	s.Lock()
	a := s.AllocTref()
	s.InstallDelta(&Delta{NewTags: []DeltaTag{{Tref: a, TType: "person", Val: "alice"}}}, 1)
	s.InstallDelta(&Delta{AddedLinks: []DeltaLink{{A: a, B: a}}}, 2)
	s.Unlock()
}

func TestAllOfTypeAndCardinality(t *testing.T) {
	s := New()

	s.Lock()
	a := s.AllocTref()
	b := s.AllocTref()
	s.InstallDelta(&Delta{
		NewTags: []DeltaTag{
			{Tref: a, TType: "person", Val: "alice"},
			{Tref: b, TType: "person", Val: "bob"},
		},
	}, 1)
	s.Unlock()

	gen, rev := s.Snapshot()

	if c := gen.Cardinality("person"); c != 2 {
		t.Error("expected cardinality 2, got", c)
	}
	if all := gen.AllOfType("person", rev); len(all) != 2 {
		t.Error("expected 2 refs, got", all)
	}
	if c := gen.Cardinality("nonexistent"); c != 0 {
		t.Error("expected 0 for unknown ttype, got", c)
	}
}

func TestStatsCountsLiveTagsAndLinks(t *testing.T) {
	s := New()

	s.Lock()
	a := s.AllocTref()
	b := s.AllocTref()
	c := s.AllocTref()
	s.InstallDelta(&Delta{
		NewTags: []DeltaTag{
			{Tref: a, TType: "person", Val: "alice"},
			{Tref: b, TType: "person", Val: "bob"},
			{Tref: c, TType: "team", Val: "eng"},
		},
	}, 1)
	s.InstallDelta(&Delta{AddedLinks: []DeltaLink{{A: a, B: c}, {A: b, B: c}}}, 2)
	s.InstallDelta(&Delta{RemovedTrefs: []uint64{b}}, 3)
	s.Unlock()

	st := s.Stats()

	if st.CurrentRev != 3 {
		t.Error("unexpected CurrentRev:", st.CurrentRev)
	}
	if st.TagsByType["person"] != 1 {
		t.Error("expected 1 live person after removing bob, got", st.TagsByType["person"])
	}
	if st.TagsByType["team"] != 1 {
		t.Error("expected 1 live team, got", st.TagsByType["team"])
	}
	if st.LiveTagTotal != 2 {
		t.Error("expected 2 live tags total, got", st.LiveTagTotal)
	}
	// bob's link to eng should no longer count once bob is tombstoned.
	if st.LiveLinks != 1 {
		t.Error("expected 1 live link (alice-eng), got", st.LiveLinks)
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	s := New()

	s.Lock()
	tref := s.AllocTref()
	s.InstallDelta(&Delta{NewTags: []DeltaTag{{Tref: tref, TType: "person", Val: "alice"}}}, 1)
	s.Unlock()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers should never observe a torn generation while a writer keeps
	// publishing new ones concurrently.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				gen, rev := s.Snapshot()
				if _, ok := gen.Get(tref, rev); !ok && rev == 1 {
					t.Error("alice should be visible at every rev >= 1")
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		s.Lock()
		b := s.AllocTref()
		s.InstallDelta(&Delta{
			NewTags:      []DeltaTag{{Tref: b, TType: "churn", Val: "x"}},
			RemovedTrefs: []uint64{b},
		}, s.CurrentRev()+1)
		s.Unlock()
	}

	close(stop)
	wg.Wait()
}
