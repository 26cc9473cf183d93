package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

/*
Digest returns a stable hash of a plan subtree's shape, used as half of a
memoization key; the executor combines it with a digest of the View's
identity, which stands in for the input set, to get the full cache key.
*/
func Digest(n *Node) uint64 {
	var b strings.Builder
	writeShape(&b, n)
	return xxhash.Sum64String(b.String())
}

func writeShape(b *strings.Builder, n *Node) {
	if n == nil {
		b.WriteString("_")
		return
	}
	fmt.Fprintf(b, "(%d:%s:%s", n.Kind, n.TType, n.Val)
	for _, c := range n.Children {
		writeShape(b, c)
	}
	b.WriteString(")")
}

/*
DigestRefs returns a stable hash of an input Ref set, independent of
iteration order.
*/
func DigestRefs(refs []int64) uint64 {
	sorted := make([]int64, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	for _, r := range sorted {
		fmt.Fprintf(&b, "%d,", r)
	}
	return xxhash.Sum64String(b.String())
}
