package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

/*
manifest is the plain-text index of a data directory's durable state:
the latest snapshot's revision and the WAL's head segment file.
*/
type manifest struct {
	SnapshotRev uint64
	HeadSegment string
}

func manifestPath(dir string) string {
	return filepath.Join(dir, "MANIFEST")
}

/*
readManifest reads a data directory's MANIFEST. A missing MANIFEST is not
an error: it means a fresh, never-opened data directory.
*/
func readManifest(dir string) (*manifest, error) {
	f, err := os.Open(manifestPath(dir))
	if os.IsNotExist(err) {
		return &manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &manifest{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "snapshot_rev":
			rev, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad MANIFEST snapshot_rev: %v", err)
			}
			m.SnapshotRev = rev
		case "head_segment":
			m.HeadSegment = kv[1]
		}
	}
	return m, sc.Err()
}

/*
writeManifest atomically rewrites MANIFEST (write-to-temp, rename), the
same pattern BuildSnapshot uses for snapshot files.
*/
func writeManifest(dir string, m *manifest) error {
	tmp := manifestPath(dir) + ".tmp"
	content := fmt.Sprintf("snapshot_rev=%d\nhead_segment=%s\n", m.SnapshotRev, m.HeadSegment)
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(dir))
}

func snapshotFileName(rev uint64) string {
	return fmt.Sprintf("snapshot-%d.bin", rev)
}

func snapshotFilePath(dir string, rev uint64) string {
	return filepath.Join(dir, snapshotFileName(rev))
}

func segmentFileName(seq int) string {
	return fmt.Sprintf("wal-%06d.log", seq)
}

/*
listSegments returns every wal-*.log file in dir, in ascending sequence
order.
*/
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var segs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "wal-") && strings.HasSuffix(e.Name(), ".log") {
			segs = append(segs, e.Name())
		}
	}
	sort.Strings(segs)
	return segs, nil
}
