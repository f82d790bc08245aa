package wire

import (
	"fmt"

	"github.com/cvkhang/SlideQuick/doc"
)

// Channel discriminators. Every frame starts with one as a varint; receivers
// dispatch on it before decoding the payload.
const (
	ChannelSync      = 0
	ChannelAwareness = 1
)

// Sync message steps, carried after the sync channel discriminator.
const (
	// SyncStep1 carries a state vector: "this is what I have".
	SyncStep1 = 0
	// SyncStep2 answers a step 1 with the delta the peer was missing.
	SyncStep2 = 1
	// SyncUpdate carries an incremental delta outside the handshake.
	// Receivers apply step 2 and update frames identically.
	SyncUpdate = 2
)

// Message is a decoded frame.
type Message struct {
	Channel uint64

	// Sync channel.
	Step        uint64
	StateVector doc.StateVector // step 1
	Ops         []doc.Op        // step 2 / update

	// Awareness channel: the raw payload, decoded by package awareness.
	Awareness []byte
}

// EncodeSyncStep1 frames a state vector.
func EncodeSyncStep1(sv doc.StateVector) []byte {
	w := NewWriter()
	w.Uvarint(ChannelSync)
	w.Uvarint(SyncStep1)
	inner := NewWriter()
	AppendStateVector(inner, sv)
	w.Block(inner.Bytes())
	return w.Bytes()
}

// EncodeSyncStep2 frames a handshake-reply delta.
func EncodeSyncStep2(ops []doc.Op) []byte { return encodeDeltaFrame(SyncStep2, ops) }

// EncodeUpdate frames an incremental delta.
func EncodeUpdate(ops []doc.Op) []byte { return encodeDeltaFrame(SyncUpdate, ops) }

func encodeDeltaFrame(step uint64, ops []doc.Op) []byte {
	w := NewWriter()
	w.Uvarint(ChannelSync)
	w.Uvarint(step)
	inner := NewWriter()
	AppendDelta(inner, ops)
	w.Block(inner.Bytes())
	return w.Bytes()
}

// EncodeAwareness frames an awareness payload (see package awareness for the
// payload encoding).
func EncodeAwareness(payload []byte) []byte {
	w := NewWriter()
	w.Uvarint(ChannelAwareness)
	w.Block(payload)
	return w.Bytes()
}

// DecodeMessage parses one frame. It never panics on malformed input; the
// caller drops bad frames and keeps the connection open.
func DecodeMessage(frame []byte) (Message, error) {
	r := NewReader(frame)
	ch, err := r.Uvarint()
	if err != nil {
		return Message{}, err
	}
	msg := Message{Channel: ch}
	switch ch {
	case ChannelSync:
		step, err := r.Uvarint()
		if err != nil {
			return Message{}, err
		}
		msg.Step = step
		block, err := r.Block()
		if err != nil {
			return Message{}, err
		}
		br := NewReader(block)
		switch step {
		case SyncStep1:
			if msg.StateVector, err = ReadStateVector(br); err != nil {
				return Message{}, err
			}
		case SyncStep2, SyncUpdate:
			if msg.Ops, err = ReadDelta(br); err != nil {
				return Message{}, err
			}
		default:
			return Message{}, fmt.Errorf("wire: unknown sync step %d", step)
		}
	case ChannelAwareness:
		if msg.Awareness, err = r.Block(); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("wire: unknown channel %d", ch)
	}
	return msg, nil
}
