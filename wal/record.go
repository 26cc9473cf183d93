/*
Package wal implements ZipTag's durability pipeline: an append-only,
transaction-aware write-ahead log with batched fsync, periodic
snapshots, and idempotent startup recovery. Records are grouped into
TXBEGIN/TXOP/TXCOMMIT framed with a CRC32C checksum and rotated across
size-bounded segments.
*/
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ziptag/ziptag/store"
	"github.com/ziptag/ziptag/txn"
)

/*
RecordKind identifies one of the three WAL record types.
*/
type RecordKind uint8

const (
	KindTxBegin RecordKind = iota
	KindTxOp
	KindTxCommit
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

/*
TxBegin opens a transaction's record group.
*/
type TxBegin struct {
	Txid      uint64
	ParentRev uint64
	TsMs      uint64
}

/*
TxOpRecord is one staged operation within a transaction's record group, in
issue order.
*/
type TxOpRecord struct {
	Txid  uint64
	Index uint32
	Op    txn.Op
}

/*
TxCommit closes a transaction's record group, naming the revision it
advanced the store to.
*/
type TxCommit struct {
	Txid   uint64
	NewRev uint64
}

/*
encodeRecord frames a payload with its kind byte, length and a CRC32C
(Castagnoli) checksum over kind+length+payload: a length-prefixed,
checksummed record any reader can validate without context from
neighboring records.
*/
func encodeRecord(kind RecordKind, payload []byte) []byte {
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))

	sum := crc32.Checksum(header, crc32cTable)
	sum = crc32.Update(sum, crc32cTable, payload)

	out := make([]byte, 0, len(header)+len(payload)+4)
	out = append(out, header...)
	out = append(out, payload...)
	footer := make([]byte, 4)
	binary.LittleEndian.PutUint32(footer, sum)
	out = append(out, footer...)
	return out
}

func encodeTxBegin(r TxBegin) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, r.Txid)
	binary.Write(&buf, binary.LittleEndian, r.ParentRev)
	binary.Write(&buf, binary.LittleEndian, r.TsMs)
	return encodeRecord(KindTxBegin, buf.Bytes())
}

func encodeTxCommit(r TxCommit) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, r.Txid)
	binary.Write(&buf, binary.LittleEndian, r.NewRev)
	return encodeRecord(KindTxCommit, buf.Bytes())
}

func encodeTxOp(r TxOpRecord) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, r.Txid)
	binary.Write(&buf, binary.LittleEndian, r.Index)
	buf.WriteByte(byte(r.Op.Kind))
	writeString(&buf, r.Op.TType)
	writeString(&buf, r.Op.Val)
	writeString(&buf, r.Op.A.TType())
	writeString(&buf, r.Op.A.Val())
	writeString(&buf, r.Op.B.TType())
	writeString(&buf, r.Op.B.Val())
	return encodeRecord(KindTxOp, buf.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

/*
decodedRecord is the parsed form of any of the three record kinds,
tagged by Kind with exactly one of the typed fields populated.
*/
type decodedRecord struct {
	Kind   RecordKind
	Begin  TxBegin
	Op     TxOpRecord
	Commit TxCommit
}

/*
readRecord reads and verifies exactly one framed record from r. io.EOF (or
an EOF hit mid-header/payload) is returned verbatim and means "no more
complete records" - the caller treats a truncated trailing record as end
of log, the shape a crash mid-append leaves behind. A CRC mismatch on an
otherwise complete record is reported via
*store.ZTError{Type: store.ErrCorrupt}.
*/
func readRecord(r io.Reader, offset int64) (*decodedRecord, int64, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	kind := RecordKind(header[0])
	length := binary.LittleEndian.Uint32(header[1:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	footer := make([]byte, 4)
	if _, err := io.ReadFull(r, footer); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	want := binary.LittleEndian.Uint32(footer)

	got := crc32.Checksum(header, crc32cTable)
	got = crc32.Update(got, crc32cTable, payload)
	if got != want {
		return nil, 0, &store.ZTError{Type: store.ErrCorrupt, Detail: fmt.Sprintf("offset %d", offset)}
	}

	rec := &decodedRecord{Kind: kind}
	br := bytes.NewReader(payload)

	switch kind {
	case KindTxBegin:
		var b TxBegin
		binary.Read(br, binary.LittleEndian, &b.Txid)
		binary.Read(br, binary.LittleEndian, &b.ParentRev)
		binary.Read(br, binary.LittleEndian, &b.TsMs)
		rec.Begin = b

	case KindTxCommit:
		var c TxCommit
		binary.Read(br, binary.LittleEndian, &c.Txid)
		binary.Read(br, binary.LittleEndian, &c.NewRev)
		rec.Commit = c

	case KindTxOp:
		var o TxOpRecord
		binary.Read(br, binary.LittleEndian, &o.Txid)
		binary.Read(br, binary.LittleEndian, &o.Index)
		kindByte, _ := br.ReadByte()
		o.Op.Kind = txn.OpKind(kindByte)
		ttype, _ := readString(br)
		val, _ := readString(br)
		aType, _ := readString(br)
		aVal, _ := readString(br)
		bType, _ := readString(br)
		bVal, _ := readString(br)
		o.Op.TType, o.Op.Val = ttype, val
		o.Op.A = txn.NewIdentity(aType, aVal)
		o.Op.B = txn.NewIdentity(bType, bVal)
		rec.Op = o

	default:
		return nil, 0, &store.ZTError{Type: store.ErrCorrupt, Detail: fmt.Sprintf("unknown record kind %d at offset %d", kind, offset)}
	}

	total := int64(5 + int(length) + 4)
	return rec, total, nil
}
