package parser

/*
Query is the parsed form of a full DSL query: an optional overlay block
followed by a pipe of Steps. Variable references have already been
inlined by the time Parse returns.
*/
type Query struct {
	Overlay []OverlayStmt
	Steps   []*Step
}

/*
OverlayStmt is one statement of an overlay block: AddTagStmt, RemTagStmt,
LinkStmt or UnlinkStmt.
*/
type OverlayStmt interface{}

/*
Ref names a tag for link/unlink, either by a bound name ('as NAME') or
directly by (ttype,val).
*/
type Ref struct {
	Name        string
	TType, Val  string
	ByName      bool
}

/*
AddTagStmt stages tx.add_tag(ttype, val), optionally binding it to a name
usable by later link/unlink statements in the same overlay block.
*/
type AddTagStmt struct {
	TType, Val string
	As         string
}

/*
RemTagStmt stages tx.rem_tag(ttype, val).
*/
type RemTagStmt struct {
	TType, Val string
}

/*
LinkStmt stages tx.link(a, b).
*/
type LinkStmt struct {
	A, B Ref
}

/*
UnlinkStmt stages tx.unlink(a, b).
*/
type UnlinkStmt struct {
	A, B Ref
}

/*
Step is one stage of the query pipe: either a wildcard ('*'), a type
filter (optionally carrying a value filter), a bare predicate call such
as startswith("a") (Any set together with a Filter), or an inlined
variable reference's steps (spliced in at parse time, so Step never itself
represents an unresolved varref by the time parsing completes).
*/
type Step struct {
	Any    bool
	TType  string
	Filter Expr // nil if no value_filter was given
}

/*
Expr is a node of the boolean value-filter tree: *Compare, *FunCall, *Or
or *And.
*/
type Expr interface{}

/*
Compare is an equality/inequality test against a string literal. Lhs is
nil for the common form, testing the current step's tag value; when Lhs
is non-nil both sides are literals (e.g. "a" == "a"), a comparison whose
result never depends on data.
*/
type Compare struct {
	Op  string // "==" or "!="
	Lhs *string
	Val string
}

/*
FunCall is a predicate or value function call, e.g. startswith("a") or
gte(num(val), 10) (numeric comparators are themselves function calls,
taking the compared values as arguments).
*/
type FunCall struct {
	Name string
	Args []Arg
}

/*
Arg is one argument of a FunCall: a Go string, float64, a bare NAME
(string), or a nested *FunCall.
*/
type Arg interface{}

/*
Or is a disjunction of two Expr.
*/
type Or struct {
	Left, Right Expr
}

/*
And is a conjunction of two Expr.
*/
type And struct {
	Left, Right Expr
}
