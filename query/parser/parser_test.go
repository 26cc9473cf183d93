package parser

import (
	"testing"
)

func TestParseWildcard(t *testing.T) {
	q, err := Parse("test", `| *`)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Steps) != 1 || !q.Steps[0].Any {
		t.Error("expected a single wildcard step, got", q.Steps)
	}
}

func TestParseTypeFilterChain(t *testing.T) {
	q, err := Parse("test", `| person > team`)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Steps) != 2 {
		t.Fatal("expected 2 steps, got", len(q.Steps))
	}
	if q.Steps[0].TType != "person" || q.Steps[1].TType != "team" {
		t.Error("unexpected step ttypes:", q.Steps[0].TType, q.Steps[1].TType)
	}
}

func TestParseEqualityFilter(t *testing.T) {
	q, err := Parse("test", `| person == "alice"`)
	if err != nil {
		t.Fatal(err)
	}
	cmp, ok := q.Steps[0].Filter.(*Compare)
	if !ok {
		t.Fatalf("expected *Compare filter, got %T", q.Steps[0].Filter)
	}
	if cmp.Op != "==" || cmp.Val != "alice" {
		t.Error("unexpected compare:", cmp)
	}
}

func TestParseFunctionPredicate(t *testing.T) {
	q, err := Parse("test", `| person(startswith("a"))`)
	if err != nil {
		t.Fatal(err)
	}
	fn, ok := q.Steps[0].Filter.(*FunCall)
	if !ok {
		t.Fatalf("expected *FunCall filter, got %T", q.Steps[0].Filter)
	}
	if fn.Name != "startswith" || len(fn.Args) != 1 || fn.Args[0] != "a" {
		t.Error("unexpected funcall:", fn)
	}
}

func TestParseAndOrPrecedence(t *testing.T) {
	q, err := Parse("test", `| person(startswith("a") and gt(len(val), 3) or == "X")`)
	if err != nil {
		t.Fatal(err)
	}
	or, ok := q.Steps[0].Filter.(*Or)
	if !ok {
		t.Fatalf("expected top-level *Or, got %T", q.Steps[0].Filter)
	}
	if _, ok := or.Left.(*And); !ok {
		t.Errorf("expected the left side of Or to be an And, got %T", or.Left)
	}
}

func TestParseNestedFunctionArg(t *testing.T) {
	q, err := Parse("test", `| person(gte(num(val), 10))`)
	if err != nil {
		t.Fatal(err)
	}
	fn := q.Steps[0].Filter.(*FunCall)
	if fn.Name != "gte" {
		t.Fatal("expected gte, got", fn.Name)
	}
	nested, ok := fn.Args[0].(*FunCall)
	if !ok || nested.Name != "num" {
		t.Errorf("expected a nested num() call, got %#v", fn.Args[0])
	}
}

func TestParseBareUntypedPredicateStep(t *testing.T) {
	q, err := Parse("test", `| y > x > startswith("a")`)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d: %#v", len(q.Steps), q.Steps)
	}
	last := q.Steps[2]
	if !last.Any || last.TType != "" {
		t.Errorf("expected the last step to carry no type restriction, got %#v", last)
	}
	fn, ok := last.Filter.(*FunCall)
	if !ok || fn.Name != "startswith" {
		t.Fatalf("expected a bare startswith() predicate, got %#v", last.Filter)
	}
}

func TestParseLiteralComparisonIsReachableFromQueryText(t *testing.T) {
	q, err := Parse("test", `| person("a" == "a")`)
	if err != nil {
		t.Fatal(err)
	}
	cmp, ok := q.Steps[0].Filter.(*Compare)
	if !ok {
		t.Fatalf("expected *Compare filter, got %T", q.Steps[0].Filter)
	}
	if cmp.Lhs == nil || *cmp.Lhs != "a" || cmp.Op != "==" || cmp.Val != "a" {
		t.Errorf("expected a literal-vs-literal \"a\" == \"a\" compare, got %#v", cmp)
	}
}

func TestParseLetBindingInlinesSteps(t *testing.T) {
	q, err := Parse("test", `let people = (| person) | people > team`)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Steps) != 2 {
		t.Fatal("expected the let binding to inline to 1 step plus team, got", q.Steps)
	}
	if q.Steps[0].TType != "person" || q.Steps[1].TType != "team" {
		t.Error("unexpected inlined steps:", q.Steps)
	}
}

func TestParseOverlayBlock(t *testing.T) {
	q, err := Parse("test", `with { +tag(person,"carol") as c; link(c, (team,"eng")) } | *`)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Overlay) != 2 {
		t.Fatalf("expected 2 overlay statements, got %d", len(q.Overlay))
	}
	add, ok := q.Overlay[0].(*AddTagStmt)
	if !ok || add.TType != "person" || add.Val != "carol" || add.As != "c" {
		t.Errorf("unexpected first overlay stmt: %#v", q.Overlay[0])
	}
	link, ok := q.Overlay[1].(*LinkStmt)
	if !ok {
		t.Fatalf("expected *LinkStmt, got %T", q.Overlay[1])
	}
	if !link.A.ByName || link.A.Name != "c" {
		t.Error("expected link's A to be the bound name 'c', got", link.A)
	}
	if link.B.ByName || link.B.TType != "team" || link.B.Val != "eng" {
		t.Error("expected link's B to be a direct (ttype,val) ref, got", link.B)
	}
}

func TestParseRejectsMissingPipe(t *testing.T) {
	if _, err := Parse("test", `person`); err == nil {
		t.Error("expected an error when the query is missing its leading '|'")
	}
}

func TestParseRejectsTrailingInput(t *testing.T) {
	if _, err := Parse("test", `| * extra`); err == nil {
		t.Error("expected an error on unexpected trailing input")
	}
}

func TestParseRejectsBadOverlayStmt(t *testing.T) {
	if _, err := Parse("test", `with { frobnicate(1) } | *`); err == nil {
		t.Error("expected an error for an unrecognized overlay statement")
	}
}
