package store

import (
	"fmt"
	"math"
)

/*
MaxRev is the sentinel delete_rev value meaning "still live".
*/
const MaxRev = math.MaxUint64

/*
IsValidTType reports whether t is a well-formed ttype identifier of at
most maxBytes bytes: a lower-case letter followed by lower-case letters,
digits or hyphens.
*/
func IsValidTType(t string, maxBytes int) bool {
	if t == "" || len(t) > maxBytes {
		return false
	}
	if t[0] < 'a' || t[0] > 'z' {
		return false
	}
	for i := 1; i < len(t); i++ {
		c := t[i]
		if !(c == '-' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

/*
Tag is a single entity in the graph store. Identity is the pair
(TType, Val); Tref is a stable, never-reused handle assigned at creation.
*/
type Tag struct {
	Tref      uint64
	TType     string
	Val       string
	CreateRev uint64
	DeleteRev uint64
}

/*
IsLive reports whether this tag is visible at the given reader rev.
*/
func (t *Tag) IsLive(rev uint64) bool {
	return t.CreateRev <= rev && rev < t.DeleteRev
}

/*
String renders a tag for debugging in a key=value style.
*/
func (t *Tag) String() string {
	return fmt.Sprintf("Tag(tref=%d ttype=%s val=%q create_rev=%d delete_rev=%d)",
		t.Tref, t.TType, t.Val, t.CreateRev, t.DeleteRev)
}

