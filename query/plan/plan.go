/*
Package plan turns a parsed query AST into an ordered tree of primitive
operators: set sources, traversal, filters and set algebra, simplified
to a fixed point and annotated with cardinality estimates for join
ordering.
*/
package plan

import (
	"fmt"
	"strings"

	"github.com/ziptag/ziptag/query/parser"
)

/*
Kind identifies a primitive operator.
*/
type Kind int

const (
	KindSourceAllOfType Kind = iota
	KindSourceByIdentity
	KindTraverse
	KindFilterType
	KindFilterPredicate
	KindIntersect
	KindUnion
	KindDifference
	KindMemo
)

/*
Node is one operator in the plan tree. Not every field is used by every
Kind: TType/Val are used by the two Source kinds and FilterType; Pred by
FilterPredicate; Children holds operand subtrees for Traverse (1 child),
FilterType/FilterPredicate/Memo (1 child) and Intersect/Union/Difference
(2 children).
*/
type Node struct {
	Kind        Kind
	TType       string
	Val         string
	Pred        parser.Expr
	Children    []*Node
	Cardinality int
	Memoized    bool
}

/*
CardinalityEstimator is the narrow view of the graph a builder needs to
order joins: a cheap, possibly approximate count of live tags of a given
ttype.
*/
type CardinalityEstimator interface {
	Cardinality(ttype string) int
}

/*
Plan is a fully built, simplified plan for one query.
*/
type Plan struct {
	Root *Node
}

/*
Build turns a Query's step pipe into a naive left-deep plan, then
simplifies it to a fixed point and orders any multi-source
intersections by ascending estimated cardinality.
*/
func Build(q *parser.Query, est CardinalityEstimator) (*Plan, error) {
	if len(q.Steps) == 0 {
		return nil, fmt.Errorf("empty query has no steps")
	}
	if q.Steps[0].Any {
		return nil, fmt.Errorf("'*' cannot be the first step of a query")
	}

	first := q.Steps[0]
	node := &Node{Kind: KindSourceAllOfType, TType: first.TType}
	if first.Filter != nil {
		node = &Node{Kind: KindFilterPredicate, Pred: first.Filter, Children: []*Node{node}}
	}

	for _, step := range q.Steps[1:] {
		if step.Any && step.Filter != nil {
			// A bare predicate step (e.g. startswith("a")) filters the
			// current set in place rather than traversing first.
			node = &Node{Kind: KindFilterPredicate, Pred: step.Filter, Children: []*Node{node}}
			continue
		}
		node = &Node{Kind: KindTraverse, Children: []*Node{node}}
		if !step.Any {
			node = &Node{Kind: KindFilterType, TType: step.TType, Children: []*Node{node}}
		}
		if step.Filter != nil {
			node = &Node{Kind: KindFilterPredicate, Pred: step.Filter, Children: []*Node{node}}
		}
	}

	node = Simplify(node)
	annotateCardinality(node, est)
	orderJoins(node, est)

	return &Plan{Root: node}, nil
}

func annotateCardinality(n *Node, est CardinalityEstimator) {
	if n == nil {
		return
	}
	for _, c := range n.Children {
		annotateCardinality(c, est)
	}
	switch n.Kind {
	case KindSourceAllOfType, KindSourceByIdentity:
		n.Cardinality = est.Cardinality(n.TType)
		if n.Kind == KindSourceByIdentity {
			n.Cardinality = 1
		}
	case KindFilterType, KindFilterPredicate, KindMemo:
		if len(n.Children) > 0 {
			n.Cardinality = n.Children[0].Cardinality
		}
	case KindTraverse:
		if len(n.Children) > 0 {
			n.Cardinality = n.Children[0].Cardinality * 4 // rough fan-out estimate
		}
	case KindIntersect:
		n.Cardinality = minCard(n.Children)
	case KindUnion:
		n.Cardinality = sumCard(n.Children)
	case KindDifference:
		if len(n.Children) > 0 {
			n.Cardinality = n.Children[0].Cardinality
		}
	}
}

func minCard(children []*Node) int {
	m := -1
	for _, c := range children {
		if m == -1 || c.Cardinality < m {
			m = c.Cardinality
		}
	}
	if m == -1 {
		return 0
	}
	return m
}

func sumCard(children []*Node) int {
	s := 0
	for _, c := range children {
		s += c.Cardinality
	}
	return s
}

/*
orderJoins reorders the children of every Intersect node by ascending
cardinality, so the smallest candidate set probes into the larger ones.
*/
func orderJoins(n *Node, est CardinalityEstimator) {
	if n == nil {
		return
	}
	for _, c := range n.Children {
		orderJoins(c, est)
	}
	if n.Kind == KindIntersect && len(n.Children) == 2 {
		if n.Children[0].Cardinality > n.Children[1].Cardinality {
			n.Children[0], n.Children[1] = n.Children[1], n.Children[0]
		}
	}
}

/*
Explain renders the plan as an indented operator tree with cardinality
estimates and memoization markers.
*/
func (p *Plan) Explain() string {
	var b strings.Builder
	explainNode(&b, p.Root, 0)
	return b.String()
}

func explainNode(b *strings.Builder, n *Node, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	marker := ""
	if n.Memoized {
		marker = " [memo]"
	}
	fmt.Fprintf(b, "%s%s%s (card~%d)%s\n", indent, kindName(n.Kind), nodeDetail(n), n.Cardinality, marker)
	for _, c := range n.Children {
		explainNode(b, c, depth+1)
	}
}

func kindName(k Kind) string {
	switch k {
	case KindSourceAllOfType:
		return "SourceAllOfType"
	case KindSourceByIdentity:
		return "SourceByIdentity"
	case KindTraverse:
		return "Traverse"
	case KindFilterType:
		return "FilterType"
	case KindFilterPredicate:
		return "FilterPredicate"
	case KindIntersect:
		return "Intersect"
	case KindUnion:
		return "Union"
	case KindDifference:
		return "Difference"
	case KindMemo:
		return "Memo"
	}
	return "?"
}

func nodeDetail(n *Node) string {
	switch n.Kind {
	case KindSourceAllOfType, KindFilterType:
		return fmt.Sprintf("(%s)", n.TType)
	case KindSourceByIdentity:
		return fmt.Sprintf("(%s,%q)", n.TType, n.Val)
	}
	return ""
}
