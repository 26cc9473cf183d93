package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/ziptag/ziptag/store"
	"github.com/ziptag/ziptag/txn"
)

func TestEncodeDecodeTxBegin(t *testing.T) {
	want := TxBegin{Txid: 7, ParentRev: 6, TsMs: 123456}
	buf := encodeTxBegin(want)

	rec, n, err := readRecord(bytes.NewReader(buf), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(buf)) {
		t.Errorf("expected consumed length %d, got %d", len(buf), n)
	}
	if rec.Kind != KindTxBegin || rec.Begin != want {
		t.Errorf("expected %#v, got %#v", want, rec.Begin)
	}
}

func TestEncodeDecodeTxOp(t *testing.T) {
	op := txn.Op{Kind: txn.OpLink, A: txn.NewIdentity("person", "alice"), B: txn.NewIdentity("team", "eng")}
	want := TxOpRecord{Txid: 3, Index: 1, Op: op}
	buf := encodeTxOp(want)

	rec, _, err := readRecord(bytes.NewReader(buf), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != KindTxOp {
		t.Fatal("expected KindTxOp")
	}
	if rec.Op.Txid != 3 || rec.Op.Index != 1 {
		t.Errorf("expected txid 3 index 1, got %#v", rec.Op)
	}
	if rec.Op.Op.Kind != txn.OpLink || rec.Op.Op.A.TType() != "person" || rec.Op.Op.A.Val() != "alice" {
		t.Errorf("round-tripped op mismatch: %#v", rec.Op.Op)
	}
}

func TestEncodeDecodeTxCommit(t *testing.T) {
	want := TxCommit{Txid: 9, NewRev: 9}
	buf := encodeTxCommit(want)

	rec, _, err := readRecord(bytes.NewReader(buf), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != KindTxCommit || rec.Commit != want {
		t.Errorf("expected %#v, got %#v", want, rec.Commit)
	}
}

func TestReadRecordDetectsCorruption(t *testing.T) {
	buf := encodeTxCommit(TxCommit{Txid: 1, NewRev: 1})
	buf[len(buf)-1] ^= 0xFF // flip a bit in the checksum footer

	_, _, err := readRecord(bytes.NewReader(buf), 0)
	if err == nil {
		t.Fatal("expected a checksum mismatch to be reported")
	}
	zterr, ok := err.(*store.ZTError)
	if !ok || zterr.Type != store.ErrCorrupt {
		t.Errorf("expected ErrCorrupt, got %#v", err)
	}
}

func TestReadRecordTruncatedPayloadIsUnexpectedEOF(t *testing.T) {
	buf := encodeTxCommit(TxCommit{Txid: 1, NewRev: 1})
	truncated := buf[:len(buf)-2]

	_, _, err := readRecord(bytes.NewReader(truncated), 0)
	if err != io.ErrUnexpectedEOF {
		t.Fatal("expected io.ErrUnexpectedEOF reading a truncated record, got", err)
	}
}

func TestReadRecordUnknownKind(t *testing.T) {
	buf := encodeRecord(RecordKind(99), []byte{0}) // valid checksum, unknown kind

	_, _, err := readRecord(bytes.NewReader(buf), 0)
	if err == nil {
		t.Fatal("expected an error for an unknown record kind")
	}
}
