package plan

import (
	"testing"

	"github.com/ziptag/ziptag/query/parser"
)

func TestSimplifyCollapsesAdjacentFilterType(t *testing.T) {
	inner := &Node{Kind: KindSourceAllOfType, TType: "person"}
	outer := &Node{Kind: KindFilterType, TType: "person", Children: []*Node{
		{Kind: KindFilterType, TType: "person", Children: []*Node{inner}},
	}}

	got := Simplify(outer)
	if got.Kind != KindFilterType || got.TType != "person" {
		t.Fatalf("expected a single FilterType(person) to remain, got %#v", got)
	}
	if len(got.Children) != 1 || got.Children[0] != inner {
		t.Error("expected the collapsed node to point directly at the inner source")
	}
}

func TestSimplifyCollapsesIdenticalIntersectOperands(t *testing.T) {
	left := &Node{Kind: KindSourceAllOfType, TType: "person"}
	right := &Node{Kind: KindSourceAllOfType, TType: "person"}
	n := &Node{Kind: KindIntersect, Children: []*Node{left, right}}

	got := Simplify(n)
	if got.Kind != KindSourceAllOfType || got.TType != "person" {
		t.Errorf("expected Intersect(X,X) to collapse to X, got %#v", got)
	}
}

func TestSimplifyRewritesTraverseFilterTypeEqualityToIntersect(t *testing.T) {
	source := &Node{Kind: KindSourceAllOfType, TType: "person"}
	traverse := &Node{Kind: KindTraverse, Children: []*Node{source}}
	filterType := &Node{Kind: KindFilterType, TType: "team", Children: []*Node{traverse}}
	n := &Node{Kind: KindFilterPredicate, Pred: &parser.Compare{Op: "==", Val: "eng"}, Children: []*Node{filterType}}

	got := Simplify(n)

	// addMemoMarkers wraps the resulting Intersect in a Memo node.
	if got.Kind != KindMemo {
		t.Fatalf("expected the rewritten Intersect to be memo-wrapped, got %#v", got)
	}
	intersect := got.Children[0]
	if intersect.Kind != KindIntersect || len(intersect.Children) != 2 {
		t.Fatalf("expected an Intersect with 2 children, got %#v", intersect)
	}
	byIdentity := intersect.Children[0]
	if byIdentity.Kind != KindSourceByIdentity || byIdentity.TType != "team" || byIdentity.Val != "eng" {
		t.Errorf("expected SourceByIdentity(team,\"eng\") as the first operand, got %#v", byIdentity)
	}
}

func TestSimplifyAddsMemoMarkersOnFilterPredicateAndIntersect(t *testing.T) {
	source := &Node{Kind: KindSourceAllOfType, TType: "person"}
	pred := &Node{Kind: KindFilterPredicate, Pred: &parser.FunCall{Name: "startswith", Args: []parser.Arg{"a"}}, Children: []*Node{source}}

	got := Simplify(pred)
	if got.Kind != KindMemo || !got.Memoized {
		t.Errorf("expected FilterPredicate to be wrapped in a Memo node, got %#v", got)
	}
}

func TestSimplifyFoldsLiteralTautologyAway(t *testing.T) {
	lhs := "a"
	source := &Node{Kind: KindSourceAllOfType, TType: "person"}
	n := &Node{Kind: KindFilterPredicate, Pred: &parser.Compare{Op: "==", Lhs: &lhs, Val: "a"}, Children: []*Node{source}}

	got := Simplify(n)
	if got != source {
		t.Fatalf("expected a literal \"a\" == \"a\" predicate to fold away, got %#v", got)
	}
}

func TestSimplifyKeepsLiteralFalseComparison(t *testing.T) {
	lhs := "a"
	source := &Node{Kind: KindSourceAllOfType, TType: "person"}
	n := &Node{Kind: KindFilterPredicate, Pred: &parser.Compare{Op: "==", Lhs: &lhs, Val: "b"}, Children: []*Node{source}}

	got := Simplify(n)
	if got.Kind != KindMemo {
		t.Fatalf("expected a literal \"a\" == \"b\" predicate to survive (memo-wrapped), got %#v", got)
	}
}

func TestSimplifyLeavesSourceUnwrapped(t *testing.T) {
	n := &Node{Kind: KindSourceAllOfType, TType: "person"}
	got := Simplify(n)
	if got.Kind != KindSourceAllOfType {
		t.Errorf("a bare source node should never get a memo wrapper, got %#v", got)
	}
}
