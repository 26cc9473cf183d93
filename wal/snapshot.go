package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/ziptag/ziptag/store"
)

var snapshotMagic = []byte{'Z', 'T', 'S', '1'}

/*
BuildSnapshot writes an atomic snapshot file (write-to-temp, rename) of a
Store's live state at its current revision: the revision, the tref
counter, every live tag and every live link, built
from a read-only Generation so it never blocks a concurrent commit.
*/
func BuildSnapshot(path string, s *store.Store) error {
	gen, rev := s.Snapshot()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	w.Write(snapshotMagic)
	writeU64(w, rev)
	writeU64(w, s.NextTref())

	var liveTrefs []uint64
	for _, tref := range allTrefs(gen) {
		if _, ok := gen.Get(tref, rev); ok {
			liveTrefs = append(liveTrefs, tref)
		}
	}

	writeU32(w, uint32(len(liveTrefs)))
	for _, tref := range liveTrefs {
		tag, _ := gen.Get(tref, rev)
		writeU64(w, tag.Tref)
		writeStr(w, tag.TType)
		writeStr(w, tag.Val)
		writeU64(w, tag.CreateRev)
	}

	type linkPair struct{ a, b uint64 }
	seen := make(map[linkPair]struct{})
	var links []linkPair
	for _, tref := range liveTrefs {
		for _, n := range gen.Neighbors(tref, rev) {
			a, b := tref, n
			if a > b {
				a, b = b, a
			}
			key := linkPair{a, b}
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				links = append(links, key)
			}
		}
	}

	writeU32(w, uint32(len(links)))
	for _, l := range links {
		writeU64(w, l.a)
		writeU64(w, l.b)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func allTrefs(gen *store.Generation) []uint64 {
	var out []uint64
	for _, bucket := range gen.ByType {
		for _, tref := range bucket {
			out = append(out, tref)
		}
	}
	return out
}

/*
LoadSnapshot reads a snapshot file and returns a freshly populated Store
at the revision and tref counter it was built at, with every tag's
original create_rev preserved.
*/
func LoadSnapshot(path string) (*store.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}

	rev, err := readU64(r)
	if err != nil {
		return nil, err
	}
	nextTref, err := readU64(r)
	if err != nil {
		return nil, err
	}

	numTags, err := readU32(r)
	if err != nil {
		return nil, err
	}

	gen := store.NewGeneration()
	for i := uint32(0); i < numTags; i++ {
		tref, err := readU64(r)
		if err != nil {
			return nil, err
		}
		ttype, err := readStr(r)
		if err != nil {
			return nil, err
		}
		val, err := readStr(r)
		if err != nil {
			return nil, err
		}
		createRev, err := readU64(r)
		if err != nil {
			return nil, err
		}
		gen.PutTag(tref, ttype, val, createRev)
	}

	numLinks, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numLinks; i++ {
		a, err := readU64(r)
		if err != nil {
			return nil, err
		}
		b, err := readU64(r)
		if err != nil {
			return nil, err
		}
		gen.PutLink(a, b)
	}

	s := store.New()
	s.LoadGeneration(gen, rev, nextTref)
	return s, nil
}

func writeU64(w io.Writer, v uint64) { binary.Write(w, binary.LittleEndian, v) }
func writeU32(w io.Writer, v uint32) { binary.Write(w, binary.LittleEndian, v) }

func writeStr(w io.Writer, s string) {
	writeU32(w, uint32(len(s)))
	io.WriteString(w, s)
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readStr(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
