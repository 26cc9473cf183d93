package parser

import "testing"

func collectTokens(input string) []LexToken {
	var toks []LexToken
	for tok := range Lex("test", input) {
		toks = append(toks, tok)
		if tok.ID == TokenEOF || tok.ID == TokenError {
			break
		}
	}
	return toks
}

func TestLexBasicTokens(t *testing.T) {
	toks := collectTokens(`| person > "a"`)
	wantIDs := []LexTokenID{TokenPipe, TokenIDENT, TokenGT, TokenSTRING, TokenEOF}
	if len(toks) != len(wantIDs) {
		t.Fatalf("expected %d tokens, got %d: %v", len(wantIDs), len(toks), toks)
	}
	for i, want := range wantIDs {
		if toks[i].ID != want {
			t.Errorf("token %d: expected %v, got %v", i, want, toks[i].ID)
		}
	}
}

func TestLexPlusTagMinusTag(t *testing.T) {
	toks := collectTokens(`+tag -tag`)
	if toks[0].ID != TokenPlusTag || toks[1].ID != TokenMinusTag {
		t.Error("expected +tag/-tag tokens, got", toks[0].ID, toks[1].ID)
	}
}

func TestLexNegativeNumberVsMinusTag(t *testing.T) {
	toks := collectTokens(`-5 -tag`)
	if toks[0].ID != TokenNUMBER || toks[0].Val != "-5" {
		t.Error("expected a negative number token, got", toks[0])
	}
	if toks[1].ID != TokenMinusTag {
		t.Error("expected -tag after the number, got", toks[1])
	}
}

func TestLexStringEscapes(t *testing.T) {
	toks := collectTokens(`"hello \"world\""`)
	if toks[0].ID != TokenSTRING {
		t.Fatal("expected a string token, got", toks[0])
	}
	if toks[0].Val != `hello "world"` {
		t.Errorf("unexpected unescaped value: %q", toks[0].Val)
	}
}

func TestLexComparators(t *testing.T) {
	toks := collectTokens(`== != =`)
	if toks[0].ID != TokenEQ || toks[1].ID != TokenNEQ || toks[2].ID != TokenAssign {
		t.Error("unexpected comparator tokens:", toks[0].ID, toks[1].ID, toks[2].ID)
	}
}

func TestLexCommentSkipped(t *testing.T) {
	toks := collectTokens("| person # a trailing comment\n> team")
	var ids []LexTokenID
	for _, tok := range toks {
		ids = append(ids, tok.ID)
	}
	found := false
	for _, id := range ids {
		if id == TokenGT {
			found = true
		}
	}
	if !found {
		t.Error("expected the '>' token to survive past the comment, got", ids)
	}
}

func TestLexUnterminatedStringErrors(t *testing.T) {
	toks := collectTokens(`"unterminated`)
	last := toks[len(toks)-1]
	if last.ID != TokenError {
		t.Error("expected a lex error for an unterminated string, got", last)
	}
}

func TestLexUnexpectedCharacterErrors(t *testing.T) {
	toks := collectTokens(`@`)
	last := toks[len(toks)-1]
	if last.ID != TokenError {
		t.Error("expected a lex error for an unrecognized character, got", last)
	}
}
