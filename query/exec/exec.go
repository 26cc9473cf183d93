/*
Package exec runs a plan tree against a txn.View, producing the final
Ref set a query resolves to. Joins above a configured
size run fan-out in parallel across a worker pool; repeated sub-plans over
the same input set are served from a memo cache.
*/
package exec

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/krotik/common/datautil"
	"github.com/krotik/common/errorutil"
	"github.com/krotik/common/pools"
	"github.com/krotik/common/sortutil"

	"github.com/ziptag/ziptag/query/parser"
	"github.com/ziptag/ziptag/query/plan"
	"github.com/ziptag/ziptag/store"
	"github.com/ziptag/ziptag/txn"
)

/*
State is a query's position in the Parsing -> Planning -> Executing ->
Done/Failed state machine.
*/
type State int

const (
	StateParsing State = iota
	StatePlanning
	StateExecuting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateParsing:
		return "Parsing"
	case StatePlanning:
		return "Planning"
	case StateExecuting:
		return "Executing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

/*
Result is a finished query's output: the matching Refs plus the state the
query ended in.
*/
type Result struct {
	Refs  []txn.Ref
	State State
	Plan  *plan.Plan
}

/*
Executor runs plans against a View. One Executor may run many queries
against the same View; its memo cache and worker pool are shared across
them.
*/
type Executor struct {
	view              *txn.View
	store             *store.Store
	pool              *pools.ThreadPool
	memo              *datautil.MapCache
	parallelThreshold int
}

/*
Option configures an Executor at construction time.
*/
type Option func(*Executor)

/*
WithWorkers sizes the shared worker pool used for parallel joins. Zero or
a negative count leaves the pool's default worker count in place.
*/
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.pool.SetWorkerCount(n, true)
		}
	}
}

/*
WithParallelThreshold sets the minimum join input size before a join fans
out across the worker pool rather than running inline.
*/
func WithParallelThreshold(n int) Option {
	return func(e *Executor) { e.parallelThreshold = n }
}

/*
WithMemoCacheSize bounds the number of memoized sub-plan results kept.
*/
func WithMemoCacheSize(n uint64) Option {
	return func(e *Executor) { e.memo = datautil.NewMapCache(n, 0) }
}

/*
WithStore attaches the backing Store, required only for queries that
carry a `with { ... }` block: its statements are staged into a scratch Tx
and composed onto the view for the life of that one query, then
discarded.
*/
func WithStore(s *store.Store) Option {
	return func(e *Executor) { e.store = s }
}

/*
New creates an Executor over a View.
*/
func New(view *txn.View, opts ...Option) *Executor {
	e := &Executor{
		view:              view,
		pool:              pools.NewThreadPool(),
		memo:              datautil.NewMapCache(0, 0),
		parallelThreshold: 64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

/*
Run parses, plans and executes a query string end to end.
*/
func (e *Executor) Run(ctx context.Context, name, query string) (*Result, error) {
	q, err := parser.Parse(name, query)
	if err != nil {
		return &Result{State: StateFailed}, err
	}

	view := e.view
	if len(q.Overlay) > 0 {
		if e.store == nil {
			return &Result{State: StateFailed}, &store.ZTError{Type: store.ErrQueryType,
				Detail: "query has a with block but this executor has no backing store"}
		}
		tx := txn.Open(e.store)
		if err := ApplyOverlay(tx, q.Overlay); err != nil {
			return &Result{State: StateFailed}, err
		}
		view = e.view.Compose(tx)
	}

	p, err := plan.Build(q, view)
	if err != nil {
		return &Result{State: StateFailed}, &store.ZTError{Type: store.ErrQueryType, Detail: err.Error()}
	}

	refs, err := e.eval(ctx, view, p.Root)
	if err != nil {
		return &Result{State: StateFailed, Plan: p}, err
	}

	return &Result{Refs: refs, State: StateDone, Plan: p}, nil
}

/*
ApplyOverlay stages a parsed `with` block's statements into tx, resolving
`as NAME` bindings to the (ttype,val) pair they were bound to within the
same block. Every statement is attempted even after an earlier one fails,
so a block with several bad statements reports all of them at once
through a single aggregated error rather than just the first.
*/
func ApplyOverlay(tx *txn.Tx, stmts []parser.OverlayStmt) error {
	bound := make(map[string][2]string)
	errs := errorutil.NewCompositeError()

	resolve := func(r parser.Ref) (string, string, bool) {
		if !r.ByName {
			return r.TType, r.Val, true
		}
		pair, ok := bound[r.Name]
		if !ok {
			errs.Add(&store.ZTError{Type: store.ErrQueryType, Detail: fmt.Sprintf("undefined overlay binding %q", r.Name)})
			return "", "", false
		}
		return pair[0], pair[1], true
	}

	for _, s := range stmts {
		switch st := s.(type) {
		case *parser.AddTagStmt:
			if _, err := tx.AddTag(st.TType, st.Val); err != nil {
				errs.Add(err)
				continue
			}
			if st.As != "" {
				bound[st.As] = [2]string{st.TType, st.Val}
			}
		case *parser.RemTagStmt:
			if err := tx.RemTag(st.TType, st.Val); err != nil {
				errs.Add(err)
			}
		case *parser.LinkStmt:
			at, av, ok := resolve(st.A)
			bt, bv, ok2 := resolve(st.B)
			if !ok || !ok2 {
				continue
			}
			if err := tx.Link(at, av, bt, bv); err != nil {
				errs.Add(err)
			}
		case *parser.UnlinkStmt:
			at, av, ok := resolve(st.A)
			bt, bv, ok2 := resolve(st.B)
			if !ok || !ok2 {
				continue
			}
			if err := tx.Unlink(at, av, bt, bv); err != nil {
				errs.Add(err)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

/*
Eval executes a plan node against the Executor's own View, consulting and
populating the memo cache at Memo boundaries.
*/
func (e *Executor) Eval(ctx context.Context, n *plan.Node) ([]txn.Ref, error) {
	return e.eval(ctx, e.view, n)
}

func (e *Executor) eval(ctx context.Context, view *txn.View, n *plan.Node) ([]txn.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, &store.ZTError{Type: store.ErrCancelled, Detail: err.Error()}
	}
	if n == nil {
		return nil, nil
	}

	switch n.Kind {
	case plan.KindSourceAllOfType:
		return view.AllOfType(n.TType), nil

	case plan.KindSourceByIdentity:
		if ref, ok := view.LookupByIdentity(n.TType, n.Val); ok {
			return []txn.Ref{ref}, nil
		}
		return nil, nil

	case plan.KindTraverse:
		in, err := e.eval(ctx, view, n.Children[0])
		if err != nil {
			return nil, err
		}
		return e.traverse(ctx, view, in)

	case plan.KindFilterType:
		in, err := e.eval(ctx, view, n.Children[0])
		if err != nil {
			return nil, err
		}
		return e.filterType(view, in, n.TType), nil

	case plan.KindFilterPredicate:
		in, err := e.eval(ctx, view, n.Children[0])
		if err != nil {
			return nil, err
		}
		return e.filterPredicate(view, in, n.Pred)

	case plan.KindIntersect:
		left, err := e.eval(ctx, view, n.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := e.eval(ctx, view, n.Children[1])
		if err != nil {
			return nil, err
		}
		return intersect(left, right), nil

	case plan.KindUnion:
		left, err := e.eval(ctx, view, n.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := e.eval(ctx, view, n.Children[1])
		if err != nil {
			return nil, err
		}
		return union(left, right), nil

	case plan.KindDifference:
		left, err := e.eval(ctx, view, n.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := e.eval(ctx, view, n.Children[1])
		if err != nil {
			return nil, err
		}
		return difference(left, right), nil

	case plan.KindMemo:
		return e.evalMemoized(ctx, view, n.Children[0])
	}

	return nil, fmt.Errorf("unknown plan node kind %v", n.Kind)
}

func (e *Executor) evalMemoized(ctx context.Context, view *txn.View, n *plan.Node) ([]txn.Ref, error) {
	key := memoKey(view, n)
	if cached, ok := e.memo.Get(key); ok {
		return cached.([]txn.Ref), nil
	}
	refs, err := e.eval(ctx, view, n)
	if err != nil {
		return nil, err
	}
	e.memo.Put(key, refs)
	return refs, nil
}

/*
memoKey pairs a digest of the input set with a digest of the sub-plan:
the View's identity stands in for the input set a sub-plan ran against, so
a sub-plan memoized under one `with` block's overlay is never served back
to a query composed over a different overlay or base revision.
*/
func memoKey(view *txn.View, n *plan.Node) string {
	vid := plan.DigestRefs([]int64{view.Identity()})
	return strconv.FormatUint(vid, 16) + ":" + strconv.FormatUint(plan.Digest(n), 16)
}

/*
traverse fans a Ref set out to the union of their live neighbors, running
in parallel across the worker pool once the input is large enough.
*/
func (e *Executor) traverse(ctx context.Context, view *txn.View, in []txn.Ref) ([]txn.Ref, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if len(in) < e.parallelThreshold {
		return e.traverseInline(view, in), nil
	}
	return e.traverseParallel(ctx, view, in)
}

func (e *Executor) traverseInline(view *txn.View, in []txn.Ref) []txn.Ref {
	seen := make(map[txn.Ref]struct{})
	var out []txn.Ref
	for _, r := range in {
		for _, n := range view.Neighbors(r) {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out
}

type neighborTask struct {
	view  *txn.View
	ref   txn.Ref
	out   *[]txn.Ref
	errCh chan error
}

func (t *neighborTask) Run(uint64) error {
	*t.out = t.view.Neighbors(t.ref)
	return nil
}

func (t *neighborTask) HandleError(e error) {
	t.errCh <- e
}

func (e *Executor) traverseParallel(ctx context.Context, view *txn.View, in []txn.Ref) ([]txn.Ref, error) {
	results := make([][]txn.Ref, len(in))
	errCh := make(chan error, len(in))

	for i, r := range in {
		e.pool.AddTask(&neighborTask{view: view, ref: r, out: &results[i], errCh: errCh})
	}
	e.pool.WaitAll()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}

	seen := make(map[txn.Ref]struct{})
	var out []txn.Ref
	for _, rs := range results {
		for _, n := range rs {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (e *Executor) filterType(view *txn.View, in []txn.Ref, ttype string) []txn.Ref {
	var out []txn.Ref
	for _, r := range in {
		if t, _, ok := view.Get(r); ok && t == ttype {
			out = append(out, r)
		}
	}
	return out
}

func (e *Executor) filterPredicate(view *txn.View, in []txn.Ref, expr parser.Expr) ([]txn.Ref, error) {
	// A bare "top(n[, by=fn])" predicate limits the candidate set rather
	// than testing each member individually.
	if fn, ok := expr.(*parser.FunCall); ok {
		switch fn.Name {
		case "top":
			return e.applyTop(view, in, fn)
		case "match_first":
			return e.applyMatchFirst(view, in, fn)
		}
	}

	var out []txn.Ref
	for _, r := range in {
		_, val, ok := view.Get(r)
		if !ok {
			continue
		}
		match, err := evalExpr(expr, val)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, r)
		}
	}
	return out, nil
}

func evalExpr(e parser.Expr, val string) (bool, error) {
	switch n := e.(type) {
	case *parser.Compare:
		lhs := val
		if n.Lhs != nil {
			lhs = *n.Lhs
		}
		switch n.Op {
		case "==":
			return lhs == n.Val, nil
		case "!=":
			return lhs != n.Val, nil
		}
		return false, fmt.Errorf("unknown comparator %q", n.Op)
	case *parser.And:
		l, err := evalExpr(n.Left, val)
		if err != nil || !l {
			return false, err
		}
		return evalExpr(n.Right, val)
	case *parser.Or:
		l, err := evalExpr(n.Left, val)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return evalExpr(n.Right, val)
	case *parser.FunCall:
		return evalPredicate(n, val)
	}
	return false, fmt.Errorf("unknown predicate node %T", e)
}

/*
applyTop implements top(n) and top(n, by=func): truncate to n, optionally
sorted descending by a value function's numeric result.
*/
func (e *Executor) applyTop(view *txn.View, in []txn.Ref, fn *parser.FunCall) ([]txn.Ref, error) {
	if len(fn.Args) == 0 {
		return nil, &store.ZTError{Type: store.ErrQueryType, Detail: "top() requires a count"}
	}
	n, err := argFloat(fn, 0, "")
	if err != nil {
		return nil, err
	}
	count := int(n)

	var by *parser.FunCall
	if len(fn.Args) > 1 {
		sub, ok := fn.Args[1].(*parser.FunCall)
		if !ok {
			return nil, &store.ZTError{Type: store.ErrQueryType, Detail: "top()'s second argument must be a function"}
		}
		by = sub
	}

	ordered := make([]txn.Ref, len(in))
	copy(ordered, in)

	if by != nil {
		scores := make(map[txn.Ref]float64, len(ordered))
		for _, r := range ordered {
			_, val, _ := view.Get(r)
			f, err := evalValueFunc(by, val)
			if err != nil {
				return nil, err
			}
			scores[r], _ = f.(float64)
		}
		sort.Slice(ordered, func(i, j int) bool { return scores[ordered[i]] > scores[ordered[j]] })
	} else {
		// No ranking function: fall back to a deterministic ref order so
		// repeated top(n) calls over the same view return the same page.
		asInt64 := make([]int64, len(ordered))
		for i, r := range ordered {
			asInt64[i] = int64(r)
		}
		sortutil.Int64s(asInt64)
		for i, v := range asInt64 {
			ordered[i] = txn.Ref(v)
		}
	}

	if count < len(ordered) {
		ordered = ordered[:count]
	}
	return ordered, nil
}

/*
applyMatchFirst implements match_first(keyfunc): group the candidate set
by keyfunc(val), keeping only the first ref (ascending tref order) in each
group. tref order is ref's own numeric order, since trefs are handed out
monotonically.
*/
func (e *Executor) applyMatchFirst(view *txn.View, in []txn.Ref, fn *parser.FunCall) ([]txn.Ref, error) {
	if len(fn.Args) == 0 {
		return nil, &store.ZTError{Type: store.ErrQueryType, Detail: "match_first() requires a key function"}
	}
	keyfn, ok := fn.Args[0].(*parser.FunCall)
	if !ok {
		return nil, &store.ZTError{Type: store.ErrQueryType, Detail: "match_first()'s argument must be a function"}
	}

	ordered := make([]txn.Ref, len(in))
	copy(ordered, in)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	seen := make(map[interface{}]bool, len(ordered))
	var out []txn.Ref
	for _, r := range ordered {
		_, val, ok := view.Get(r)
		if !ok {
			continue
		}
		key, err := evalValueFunc(keyfn, val)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, nil
}

func intersect(a, b []txn.Ref) []txn.Ref {
	set := make(map[txn.Ref]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	var out []txn.Ref
	for _, r := range b {
		if _, ok := set[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

func union(a, b []txn.Ref) []txn.Ref {
	seen := make(map[txn.Ref]struct{}, len(a)+len(b))
	var out []txn.Ref
	for _, r := range append(append([]txn.Ref{}, a...), b...) {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func difference(a, b []txn.Ref) []txn.Ref {
	set := make(map[txn.Ref]struct{}, len(b))
	for _, r := range b {
		set[r] = struct{}{}
	}
	var out []txn.Ref
	for _, r := range a {
		if _, ok := set[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}
