package wire

import (
	"fmt"
	"sort"

	"github.com/cvkhang/SlideQuick/doc"
)

// Snapshot framing. The magic and version let a loader reject bytes that are
// not a document snapshot before touching the payload.
const (
	snapshotMagic   = "SQD1"
	snapshotVersion = 1
)

// ErrBadSnapshot is wrapped by snapshot decode failures.
var ErrBadSnapshot = fmt.Errorf("wire: not a document snapshot")

func writeTag(w *Writer, t doc.Tag) {
	w.Uvarint(t.Clock)
	w.String(t.Client)
}

func readTag(r *Reader) (doc.Tag, error) {
	clock, err := r.Uvarint()
	if err != nil {
		return doc.Tag{}, err
	}
	client, err := r.String()
	if err != nil {
		return doc.Tag{}, err
	}
	return doc.Tag{Clock: clock, Client: client}, nil
}

func writeValue(w *Writer, v doc.Value) {
	w.Uvarint(uint64(v.Kind))
	switch v.Kind {
	case doc.ValueString:
		w.String(v.Str)
	case doc.ValueNumber:
		w.Float64(v.Num)
	case doc.ValueMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Uvarint(uint64(len(keys)))
		for _, k := range keys {
			w.String(k)
			w.String(v.Map[k])
		}
	}
}

func readValue(r *Reader) (doc.Value, error) {
	kind, err := r.Uvarint()
	if err != nil {
		return doc.Value{}, err
	}
	switch doc.ValueKind(kind) {
	case doc.ValueString:
		s, err := r.String()
		if err != nil {
			return doc.Value{}, err
		}
		return doc.String(s), nil
	case doc.ValueNumber:
		f, err := r.Float64()
		if err != nil {
			return doc.Value{}, err
		}
		return doc.Number(f), nil
	case doc.ValueMap:
		n, err := r.Uvarint()
		if err != nil {
			return doc.Value{}, err
		}
		m := make(map[string]string, n)
		for range n {
			k, err := r.String()
			if err != nil {
				return doc.Value{}, err
			}
			v, err := r.String()
			if err != nil {
				return doc.Value{}, err
			}
			m[k] = v
		}
		return doc.StringMap(m), nil
	default:
		return doc.Value{}, fmt.Errorf("wire: unknown value kind %d", kind)
	}
}

func writeOp(w *Writer, op doc.Op) {
	w.Uvarint(uint64(op.Kind))
	w.String(op.Entity)
	writeTag(w, op.Tag)
	switch op.Kind {
	case doc.OpSet:
		w.String(op.Field)
		writeValue(w, op.Value)
	case doc.OpInsert:
		w.Uvarint(uint64(op.EntityKind))
		w.String(op.Parent)
		w.String(op.Anchor)
	case doc.OpDelete:
	}
}

func readOp(r *Reader) (doc.Op, error) {
	kind, err := r.Uvarint()
	if err != nil {
		return doc.Op{}, err
	}
	op := doc.Op{Kind: doc.OpKind(kind)}
	if op.Entity, err = r.String(); err != nil {
		return doc.Op{}, err
	}
	if op.Tag, err = readTag(r); err != nil {
		return doc.Op{}, err
	}
	switch op.Kind {
	case doc.OpSet:
		if op.Field, err = r.String(); err != nil {
			return doc.Op{}, err
		}
		if op.Value, err = readValue(r); err != nil {
			return doc.Op{}, err
		}
	case doc.OpInsert:
		ek, err := r.Uvarint()
		if err != nil {
			return doc.Op{}, err
		}
		op.EntityKind = doc.Kind(ek)
		if op.Parent, err = r.String(); err != nil {
			return doc.Op{}, err
		}
		if op.Anchor, err = r.String(); err != nil {
			return doc.Op{}, err
		}
	case doc.OpDelete:
	default:
		return doc.Op{}, fmt.Errorf("wire: unknown op kind %d", kind)
	}
	return op, nil
}

// AppendDelta writes an op list.
func AppendDelta(w *Writer, ops []doc.Op) {
	w.Uvarint(uint64(len(ops)))
	for _, op := range ops {
		writeOp(w, op)
	}
}

// ReadDelta reads an op list.
func ReadDelta(r *Reader) ([]doc.Op, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	ops := make([]doc.Op, 0, int(min(n, 1024)))
	for range n {
		op, err := readOp(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// AppendStateVector writes a state vector with clients in sorted order.
func AppendStateVector(w *Writer, sv doc.StateVector) {
	clients := make([]string, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	w.Uvarint(uint64(len(clients)))
	for _, c := range clients {
		w.String(c)
		w.Uvarint(sv[c])
	}
}

// ReadStateVector reads a state vector.
func ReadStateVector(r *Reader) (doc.StateVector, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	sv := make(doc.StateVector, n)
	for range n {
		c, err := r.String()
		if err != nil {
			return nil, err
		}
		clock, err := r.Uvarint()
		if err != nil {
			return nil, err
		}
		sv[c] = clock
	}
	return sv, nil
}

// EncodeSnapshot serializes the full document state, tombstones included.
// Applying the decoded result reproduces the document, and subsequent deltas
// merge correctly regardless of when they were generated.
func EncodeSnapshot(d *doc.Doc) []byte {
	w := NewWriter()
	w.Raw([]byte(snapshotMagic))
	w.Uvarint(snapshotVersion)
	AppendStateVector(w, d.StateVector())
	AppendDelta(w, d.SnapshotOps())
	return w.Bytes()
}

// DecodeSnapshot reconstructs a document replica from snapshot bytes.
// The options (client id, id generator) configure the new replica.
func DecodeSnapshot(data []byte, opts ...doc.Option) (*doc.Doc, error) {
	ops, _, err := decodeSnapshotOps(data)
	if err != nil {
		return nil, err
	}
	d := doc.New(opts...)
	d.Apply(ops)
	return d, nil
}

func decodeSnapshotOps(data []byte) ([]doc.Op, doc.StateVector, error) {
	if len(data) < len(snapshotMagic) || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	r := NewReader(data[len(snapshotMagic):])
	ver, err := r.Uvarint()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if ver != snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, ver)
	}
	sv, err := ReadStateVector(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	ops, err := ReadDelta(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return ops, sv, nil
}
