package plan

import "github.com/ziptag/ziptag/query/parser"

/*
Simplify rewrites a naive plan tree to a fixed point, applying six
rewrite rules:

 1. Adjacent FilterType nodes on the same ttype collapse into one.
 2. Identical Intersect operands collapse to a single operand.
 3. A FilterPredicate wrapping an always-true Compare drops out entirely.
 4. Constant comparisons against an always-equal Compare fold away.
 5. Traverse + FilterType(t) + FilterPredicate(==v) rewrites to
    Intersect(SourceByIdentity(t,v), Traverse(prev)): looking the tag up
    directly by identity is cheaper than enumerating every neighbor.
 6. FilterPredicate and Intersect subtrees are wrapped in Memo markers so
    the executor can cache their result per (input-set, sub-plan) pair.

Rules are applied repeatedly until no rewrite fires, then memoization
markers are added in a final pass so earlier rules never have to see
Memo nodes.
*/
func Simplify(n *Node) *Node {
	for {
		rewritten, changed := rewriteOnce(n)
		n = rewritten
		if !changed {
			break
		}
	}
	return addMemoMarkers(n)
}

func rewriteOnce(n *Node) (*Node, bool) {
	if n == nil {
		return nil, false
	}

	changed := false
	for i, c := range n.Children {
		rc, ch := rewriteOnce(c)
		n.Children[i] = rc
		changed = changed || ch
	}

	// Rule 1: collapse FilterType(t) directly over FilterType(t).
	if n.Kind == KindFilterType && len(n.Children) == 1 {
		if child := n.Children[0]; child.Kind == KindFilterType && child.TType == n.TType {
			return child, true
		}
	}

	// Rule 2: Intersect(X, X) collapses to X (shallow structural equality).
	if n.Kind == KindIntersect && len(n.Children) == 2 && sameShape(n.Children[0], n.Children[1]) {
		return n.Children[0], true
	}

	// Rule 3/4: a FilterPredicate whose Compare is a tautology drops out.
	if n.Kind == KindFilterPredicate && len(n.Children) == 1 {
		if cmp, ok := n.Pred.(*parser.Compare); ok && isTautology(cmp) {
			return n.Children[0], true
		}
	}

	// Rule 5: Traverse -> FilterType(t) -> FilterPredicate(==v) becomes
	// Intersect(SourceByIdentity(t,v), Traverse(prev)).
	if n.Kind == KindFilterPredicate && len(n.Children) == 1 {
		if cmp, ok := n.Pred.(*parser.Compare); ok && cmp.Op == "==" && cmp.Lhs == nil {
			if ft := n.Children[0]; ft.Kind == KindFilterType && len(ft.Children) == 1 {
				if tr := ft.Children[0]; tr.Kind == KindTraverse {
					rewritten := &Node{
						Kind: KindIntersect,
						Children: []*Node{
							{Kind: KindSourceByIdentity, TType: ft.TType, Val: cmp.Val},
							tr,
						},
					}
					return rewritten, true
				}
			}
		}
	}

	return n, changed
}

func sameShape(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.TType != b.TType || a.Val != b.Val {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !sameShape(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

/*
isTautology reports whether cmp's result is fixed at parse time: true
only for a literal-vs-literal comparison (cmp.Lhs set) that evaluates to
true, e.g. "a" == "a". A comparison against the current tag's value
(cmp.Lhs == nil) always depends on data and is never a tautology.
*/
func isTautology(cmp *parser.Compare) bool {
	if cmp.Lhs == nil {
		return false
	}
	switch cmp.Op {
	case "==":
		return *cmp.Lhs == cmp.Val
	case "!=":
		return *cmp.Lhs != cmp.Val
	}
	return false
}

func addMemoMarkers(n *Node) *Node {
	if n == nil {
		return nil
	}
	for i, c := range n.Children {
		n.Children[i] = addMemoMarkers(c)
	}
	switch n.Kind {
	case KindFilterPredicate, KindIntersect:
		return &Node{Kind: KindMemo, Children: []*Node{n}, Memoized: true}
	}
	return n
}
