package parser

import (
	"fmt"
	"strconv"

	"github.com/ziptag/ziptag/store"
)

/*
parser consumes a channel of LexTokens and builds a Query AST, using a
plain recursive-descent shape rather than a Pratt operator-precedence
climb, since the DSL's expression grammar is shallow enough not to need
one.
*/
type parser struct {
	name   string
	tokens chan LexToken
	buf    []LexToken

	lets map[string][]*Step
}

/*
Parse tokenizes and parses a full query, including any `let` prelude,
returning the resolved AST with all variable references inlined.
*/
func Parse(name, input string) (*Query, error) {
	p := &parser{name: name, tokens: Lex(name, input), lets: make(map[string][]*Step)}
	return p.parseProgram()
}

func (p *parser) next() LexToken {
	if len(p.buf) > 0 {
		t := p.buf[len(p.buf)-1]
		p.buf = p.buf[:len(p.buf)-1]
		return t
	}
	return <-p.tokens
}

func (p *parser) peek() LexToken {
	t := p.next()
	p.buf = append(p.buf, t)
	return t
}

func (p *parser) parseErr(tok LexToken, hint string) error {
	return &store.ZTError{Type: store.ErrQueryParse,
		Detail: fmt.Sprintf("%s (%s) - %s", tok.Val, tok.PosString(), hint)}
}

func (p *parser) expect(id LexTokenID, hint string) (LexToken, error) {
	tok := p.next()
	if tok.ID == TokenError {
		return tok, p.parseErr(tok, "lex error")
	}
	if tok.ID != id {
		return tok, p.parseErr(tok, fmt.Sprintf("expected %v: %s", id, hint))
	}
	return tok, nil
}

func (p *parser) parseProgram() (*Query, error) {
	for p.peek().ID == TokenLet {
		if err := p.parseLet(); err != nil {
			return nil, err
		}
	}
	return p.parseQuery()
}

func (p *parser) parseLet() error {
	p.next() // 'let'
	nameTok, err := p.expect(TokenIDENT, "let binding name")
	if err != nil {
		return err
	}
	if _, err := p.expect(TokenAssign, "'=' after let name"); err != nil {
		return err
	}
	if _, err := p.expect(TokenLParen, "'(' starting let body"); err != nil {
		return err
	}
	steps, err := p.parsePipe()
	if err != nil {
		return err
	}
	if _, err := p.expect(TokenRParen, "')' closing let body"); err != nil {
		return err
	}
	p.lets[nameTok.Val] = steps
	return nil
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{}

	if p.peek().ID == TokenWith {
		p.next()
		stmts, err := p.parseOverlayBlock()
		if err != nil {
			return nil, err
		}
		q.Overlay = stmts
	}

	if _, err := p.expect(TokenPipe, "query must start with '|'"); err != nil {
		return nil, err
	}

	steps, err := p.parseSteps()
	if err != nil {
		return nil, err
	}
	q.Steps = steps

	if tok := p.peek(); tok.ID != TokenEOF {
		return nil, p.parseErr(tok, "unexpected trailing input")
	}

	return q, nil
}

/*
parsePipe parses a bare '| step {> step}' pipe, used for let bodies, and
returns the resolved step list without the leading pipe's EOF check.
*/
func (p *parser) parsePipe() ([]*Step, error) {
	if _, err := p.expect(TokenPipe, "expected '|'"); err != nil {
		return nil, err
	}
	return p.parseSteps()
}

func (p *parser) parseSteps() ([]*Step, error) {
	var steps []*Step

	first, err := p.parseStep()
	if err != nil {
		return nil, err
	}
	steps = append(steps, first...)

	for p.peek().ID == TokenGT {
		p.next()
		next, err := p.parseStep()
		if err != nil {
			return nil, err
		}
		steps = append(steps, next...)
	}

	return steps, nil
}

/*
builtinFuncNames are the predicate/step functions callable directly as a
step with no preceding type name, e.g. 'startswith("a")'. Reserving these
the way keywordMap reserves 'with'/'let'/etc. is what lets parseStep tell
a bare predicate step apart from a type_filter step: both start with
IDENT '(', so the name itself is the only signal.
*/
var builtinFuncNames = map[string]bool{
	"startswith":  true,
	"regex":       true,
	"match":       true,
	"gte":         true,
	"gt":          true,
	"lte":         true,
	"lt":          true,
	"exclude":     true,
	"all":         true,
	"any":         true,
	"top":         true,
	"match_first": true,
}

/*
parseStep returns a slice because a variable reference inlines zero or
more steps from its let binding.
*/
func (p *parser) parseStep() ([]*Step, error) {
	tok := p.peek()

	if tok.ID == TokenStar {
		p.next()
		return []*Step{{Any: true}}, nil
	}

	if tok.ID != TokenIDENT {
		return nil, p.parseErr(tok, "expected a type filter, '*' or a variable reference")
	}

	if builtinFuncNames[tok.Val] && p.peekAhead(1).ID == TokenLParen {
		fn, err := p.parseFunCall()
		if err != nil {
			return nil, err
		}
		return []*Step{{Any: true, Filter: fn}}, nil
	}
	p.next()

	if steps, ok := p.lets[tok.Val]; ok {
		return steps, nil
	}

	step := &Step{TType: tok.Val}

	switch p.peek().ID {
	case TokenEQ, TokenNEQ:
		expr, err := p.parseCompareOnly()
		if err != nil {
			return nil, err
		}
		step.Filter = expr
	case TokenLParen:
		expr, err := p.parseGroup()
		if err != nil {
			return nil, err
		}
		step.Filter = expr
	}

	return []*Step{step}, nil
}

func (p *parser) parseCompareOnly() (Expr, error) {
	op := p.next()
	strTok, err := p.expect(TokenSTRING, "string literal after comparator")
	if err != nil {
		return nil, err
	}
	opStr := "=="
	if op.ID == TokenNEQ {
		opStr = "!="
	}
	return &Compare{Op: opStr, Val: strTok.Val}, nil
}

/*
parseLiteralCompare parses a comparison whose left operand is itself a
string literal rather than the implicit current tag value, e.g.
"a" == "a". Its result never depends on the tag being evaluated, letting
the planner fold it away at build time.
*/
func (p *parser) parseLiteralCompare() (Expr, error) {
	lhsTok, err := p.expect(TokenSTRING, "string literal")
	if err != nil {
		return nil, err
	}
	op := p.peek()
	if op.ID != TokenEQ && op.ID != TokenNEQ {
		return nil, p.parseErr(op, "expected '==' or '!=' after a literal")
	}
	p.next()
	rhsTok, err := p.expect(TokenSTRING, "string literal after comparator")
	if err != nil {
		return nil, err
	}
	opStr := "=="
	if op.ID == TokenNEQ {
		opStr = "!="
	}
	lhs := lhsTok.Val
	return &Compare{Op: opStr, Lhs: &lhs, Val: rhsTok.Val}, nil
}

func (p *parser) parseGroup() (Expr, error) {
	p.next() // '('
	expr, err := p.parseDisjunction()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen, "')' closing group"); err != nil {
		return nil, err
	}
	return expr, nil
}

func (p *parser) parseDisjunction() (Expr, error) {
	left, err := p.parseConjunction()
	if err != nil {
		return nil, err
	}
	for p.peek().ID == TokenOr {
		p.next()
		right, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseConjunction() (Expr, error) {
	left, err := p.parsePredicate()
	if err != nil {
		return nil, err
	}
	for p.peek().ID == TokenAnd {
		p.next()
		right, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePredicate() (Expr, error) {
	tok := p.peek()

	if tok.ID == TokenEQ || tok.ID == TokenNEQ {
		return p.parseCompareOnly()
	}
	if tok.ID == TokenSTRING {
		return p.parseLiteralCompare()
	}
	if tok.ID == TokenLParen {
		return p.parseGroup()
	}
	if tok.ID != TokenIDENT {
		return nil, p.parseErr(tok, "expected a comparison or a function call")
	}

	fn, err := p.parseFunCall()
	if err != nil {
		return nil, err
	}

	return fn, nil
}

func (p *parser) parseFunCall() (*FunCall, error) {
	nameTok, err := p.expect(TokenIDENT, "function name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLParen, "'(' starting argument list"); err != nil {
		return nil, err
	}

	fn := &FunCall{Name: nameTok.Val}

	if p.peek().ID != TokenRParen {
		for {
			arg, err := p.parseArg()
			if err != nil {
				return nil, err
			}
			fn.Args = append(fn.Args, arg)
			if p.peek().ID != TokenComma {
				break
			}
			p.next()
		}
	}

	if _, err := p.expect(TokenRParen, "')' closing argument list"); err != nil {
		return nil, err
	}

	return fn, nil
}

func (p *parser) parseArg() (Arg, error) {
	tok := p.peek()
	switch tok.ID {
	case TokenSTRING:
		p.next()
		return tok.Val, nil
	case TokenNUMBER:
		p.next()
		v, _ := strconv.ParseFloat(tok.Val, 64)
		return v, nil
	case TokenIDENT:
		next := p.peekAhead(1)
		if next.ID == TokenLParen {
			return p.parseFunCall()
		}
		if next.ID == TokenAssign {
			// Keyword argument such as by=fn: the value is kept, the name dropped.
			p.next()
			p.next()
			return p.parseArg()
		}
		p.next()
		return tok.Val, nil
	}
	return nil, p.parseErr(tok, "expected a string, number, name or function call")
}

/*
peekAhead peeks n tokens ahead (n=0 is the same as peek()), buffering as
needed.
*/
func (p *parser) peekAhead(n int) LexToken {
	for len(p.buf) <= n {
		p.buf = append([]LexToken{<-p.tokens}, p.buf...)
	}
	return p.buf[len(p.buf)-1-n]
}

// Overlay block
// =============

func (p *parser) parseOverlayBlock() ([]OverlayStmt, error) {
	if _, err := p.expect(TokenLBrace, "'{' starting overlay block"); err != nil {
		return nil, err
	}

	var stmts []OverlayStmt
	for p.peek().ID != TokenRBrace {
		stmt, err := p.parseOverlayStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		if p.peek().ID == TokenSemi {
			p.next()
		}
	}
	p.next() // '}'

	return stmts, nil
}

func (p *parser) parseOverlayStmt() (OverlayStmt, error) {
	tok := p.peek()
	switch tok.ID {
	case TokenPlusTag:
		return p.parseAddTag()
	case TokenMinusTag:
		return p.parseRemTag()
	case TokenLink:
		return p.parseLinkStmt(false)
	case TokenUnlink:
		return p.parseLinkStmt(true)
	}
	return nil, p.parseErr(tok, "expected +tag, -tag, link or unlink")
}

func (p *parser) parseTTypeVal() (string, string, error) {
	if _, err := p.expect(TokenLParen, "'(' starting (ttype,val)"); err != nil {
		return "", "", err
	}
	ttype, err := p.expect(TokenIDENT, "ttype")
	if err != nil {
		return "", "", err
	}
	if _, err := p.expect(TokenComma, "',' between ttype and value"); err != nil {
		return "", "", err
	}
	val, err := p.expect(TokenSTRING, "value string")
	if err != nil {
		return "", "", err
	}
	if _, err := p.expect(TokenRParen, "')' closing (ttype,val)"); err != nil {
		return "", "", err
	}
	return ttype.Val, val.Val, nil
}

func (p *parser) parseAddTag() (OverlayStmt, error) {
	p.next() // +tag
	ttype, val, err := p.parseTTypeVal()
	if err != nil {
		return nil, err
	}
	stmt := &AddTagStmt{TType: ttype, Val: val}
	if p.peek().ID == TokenAs {
		p.next()
		nameTok, err := p.expect(TokenIDENT, "binding name after 'as'")
		if err != nil {
			return nil, err
		}
		stmt.As = nameTok.Val
	}
	return stmt, nil
}

func (p *parser) parseRemTag() (OverlayStmt, error) {
	p.next() // -tag
	ttype, val, err := p.parseTTypeVal()
	if err != nil {
		return nil, err
	}
	return &RemTagStmt{TType: ttype, Val: val}, nil
}

func (p *parser) parseLinkStmt(unlink bool) (OverlayStmt, error) {
	p.next() // link/unlink
	if _, err := p.expect(TokenLParen, "'(' starting link args"); err != nil {
		return nil, err
	}
	a, err := p.parseRef()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenComma, "',' between link args"); err != nil {
		return nil, err
	}
	b, err := p.parseRef()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen, "')' closing link args"); err != nil {
		return nil, err
	}
	if unlink {
		return &UnlinkStmt{A: a, B: b}, nil
	}
	return &LinkStmt{A: a, B: b}, nil
}

func (p *parser) parseRef() (Ref, error) {
	if p.peek().ID == TokenLParen {
		ttype, val, err := p.parseTTypeVal()
		if err != nil {
			return Ref{}, err
		}
		return Ref{TType: ttype, Val: val}, nil
	}
	nameTok, err := p.expect(TokenIDENT, "a bound name or (ttype,val)")
	if err != nil {
		return Ref{}, err
	}
	return Ref{Name: nameTok.Val, ByName: true}, nil
}
