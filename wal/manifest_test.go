package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadManifestMissingIsEmpty(t *testing.T) {
	dir := t.TempDir()
	m, err := readManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.SnapshotRev != 0 || m.HeadSegment != "" {
		t.Errorf("expected a zero-value manifest for a fresh directory, got %#v", m)
	}
}

func TestWriteReadManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &manifest{SnapshotRev: 42, HeadSegment: "wal-000003.log"}
	if err := writeManifest(dir, want); err != nil {
		t.Fatal(err)
	}

	got, err := readManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Errorf("expected %#v, got %#v", want, got)
	}
}

func TestWriteManifestIsAtomic(t *testing.T) {
	dir := t.TempDir()
	if err := writeManifest(dir, &manifest{SnapshotRev: 1, HeadSegment: "wal-000000.log"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "MANIFEST.tmp")); !os.IsNotExist(err) {
		t.Error("expected the temp file to be renamed away, not left behind")
	}
}

func TestListSegmentsOrdersBySequence(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"wal-000002.log", "wal-000000.log", "wal-000001.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "MANIFEST"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "snapshot-5.bin"), nil, 0644)

	segs, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"wal-000000.log", "wal-000001.log", "wal-000002.log"}
	if len(segs) != len(want) {
		t.Fatalf("expected %v, got %v", want, segs)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Errorf("expected %v, got %v", want, segs)
			break
		}
	}
}

func TestListSegmentsMissingDirIsEmpty(t *testing.T) {
	segs, err := listSegments(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if segs != nil {
		t.Error("expected nil segments for a missing directory, got", segs)
	}
}
