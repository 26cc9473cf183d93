package plan

import (
	"strings"
	"testing"

	"github.com/ziptag/ziptag/query/parser"
)

type fakeEstimator map[string]int

func (f fakeEstimator) Cardinality(ttype string) int { return f[ttype] }

func mustParse(t *testing.T, q string) *parser.Query {
	t.Helper()
	parsed, err := parser.Parse("test", q)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

func TestBuildRejectsEmptyQuery(t *testing.T) {
	if _, err := Build(&parser.Query{}, fakeEstimator{}); err == nil {
		t.Error("expected an error for a query with no steps")
	}
}

func TestBuildRejectsLeadingWildcard(t *testing.T) {
	q := mustParse(t, `| *`)
	if _, err := Build(q, fakeEstimator{}); err == nil {
		t.Error("expected an error when '*' is the first step")
	}
}

func TestBuildSingleStepIsSource(t *testing.T) {
	q := mustParse(t, `| person`)
	p, err := Build(q, fakeEstimator{"person": 3})
	if err != nil {
		t.Fatal(err)
	}
	if p.Root.Kind != KindSourceAllOfType || p.Root.TType != "person" {
		t.Errorf("expected a bare SourceAllOfType(person), got %#v", p.Root)
	}
	if p.Root.Cardinality != 3 {
		t.Error("expected cardinality 3, got", p.Root.Cardinality)
	}
}

func TestBuildChainWrapsTraverseAndFilterType(t *testing.T) {
	q := mustParse(t, `| person > team`)
	p, err := Build(q, fakeEstimator{"person": 3, "team": 1})
	if err != nil {
		t.Fatal(err)
	}
	if p.Root.Kind != KindFilterType || p.Root.TType != "team" {
		t.Fatalf("expected top node FilterType(team), got %#v", p.Root)
	}
	if len(p.Root.Children) != 1 || p.Root.Children[0].Kind != KindTraverse {
		t.Errorf("expected FilterType's child to be Traverse, got %#v", p.Root.Children)
	}
}

func TestBuildWildcardStepSkipsFilterType(t *testing.T) {
	q := mustParse(t, `| person > *`)
	p, err := Build(q, fakeEstimator{"person": 3})
	if err != nil {
		t.Fatal(err)
	}
	if p.Root.Kind != KindTraverse {
		t.Errorf("expected a bare Traverse with no FilterType wrapper, got %#v", p.Root)
	}
}

func TestOrderJoinsPutsSmallestCardinalityFirst(t *testing.T) {
	n := &Node{
		Kind: KindIntersect,
		Children: []*Node{
			{Kind: KindSourceAllOfType, TType: "big"},
			{Kind: KindSourceAllOfType, TType: "small"},
		},
	}
	est := fakeEstimator{"big": 100, "small": 2}
	annotateCardinality(n, est)
	orderJoins(n, est)

	if n.Children[0].TType != "small" {
		t.Error("expected the smaller-cardinality operand first, got", n.Children[0].TType)
	}
}

func TestExplainRendersIndentedTree(t *testing.T) {
	q := mustParse(t, `| person > team`)
	p, err := Build(q, fakeEstimator{"person": 3, "team": 1})
	if err != nil {
		t.Fatal(err)
	}
	out := p.Explain()
	if !strings.Contains(out, "FilterType(team)") {
		t.Errorf("expected Explain output to mention FilterType(team), got:\n%s", out)
	}
	if !strings.Contains(out, "Traverse") {
		t.Errorf("expected Explain output to mention Traverse, got:\n%s", out)
	}
}

func TestDigestIsStableAndShapeSensitive(t *testing.T) {
	a := &Node{Kind: KindSourceAllOfType, TType: "person"}
	b := &Node{Kind: KindSourceAllOfType, TType: "person"}
	c := &Node{Kind: KindSourceAllOfType, TType: "team"}

	if Digest(a) != Digest(b) {
		t.Error("expected identical shapes to produce the same digest")
	}
	if Digest(a) == Digest(c) {
		t.Error("expected different ttypes to produce different digests")
	}
}

func TestDigestRefsIsOrderIndependent(t *testing.T) {
	d1 := DigestRefs([]int64{1, 2, 3})
	d2 := DigestRefs([]int64{3, 1, 2})
	d3 := DigestRefs([]int64{1, 2, 4})

	if d1 != d2 {
		t.Error("expected DigestRefs to be independent of input order")
	}
	if d1 == d3 {
		t.Error("expected a different ref set to produce a different digest")
	}
}
