package p2p

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Codec encodes and decodes Messages to/from the bytes that travel inside a
// framed payload (i.e. everything after the 4-byte length prefix). Spec §6
// defines the wire format exactly: one discriminant byte followed by a
// per-tag body; this is the only encoding this package ships, since
// block/transaction schemas beyond an injective codec are out of scope
// (spec §1).
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(payload []byte) (Message, error)
}

// BinaryCodec is the default Codec: little-endian fixed-width fields,
// length-prefixed strings and byte blobs.
type BinaryCodec struct{}

var _ Codec = BinaryCodec{}

func (BinaryCodec) Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Tag()))

	switch msg := m.(type) {
	case *Hello:
		writeInt16(&buf, msg.NetworkVersion)
		buf.Write(msg.ChainID[:])
		buf.Write(msg.NodeID[:])
		writeString(&buf, msg.P2PAddress)
		writeString(&buf, msg.OS)
		writeString(&buf, msg.Agent)
	case *Goodbye:
		buf.WriteByte(byte(msg.Reason))
		buf.Write(msg.NodeID[:])
	case *Status:
		writeUint32(&buf, msg.LastIrreversibleBlockNumber)
		buf.Write(msg.HeadBlockID[:])
	case *Subscribe:
	case *Unsubscribe:
	case *SubscriptionRefused:
	case *BlockReceived:
		buf.Write(msg.BlockID[:])
	case *TransactionReceived:
		buf.Write(msg.TransactionID[:])
	case *SignedBlock:
		buf.Write(msg.BlockID[:])
		buf.Write(msg.Previous[:])
		writeBytes(&buf, msg.Raw)
	case *PackedTransaction:
		buf.Write(msg.TransactionID[:])
		writeBytes(&buf, msg.Raw)
	default:
		return nil, errors.Errorf("p2p: unknown message type %T", m)
	}

	return buf.Bytes(), nil
}

func (BinaryCodec) Decode(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, errors.New("p2p: empty payload")
	}
	tag := MessageTag(payload[0])
	r := bytes.NewReader(payload[1:])

	switch tag {
	case TagHello:
		m := &Hello{}
		var err error
		if m.NetworkVersion, err = readInt16(r); err != nil {
			return nil, err
		}
		if err = readFull(r, m.ChainID[:]); err != nil {
			return nil, err
		}
		if err = readFull(r, m.NodeID[:]); err != nil {
			return nil, err
		}
		if m.P2PAddress, err = readString(r); err != nil {
			return nil, err
		}
		if m.OS, err = readString(r); err != nil {
			return nil, err
		}
		if m.Agent, err = readString(r); err != nil {
			return nil, err
		}
		return m, nil
	case TagGoodbye:
		m := &Goodbye{}
		reason, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "p2p: decode Goodbye.Reason")
		}
		m.Reason = GoodbyeReason(reason)
		if err = readFull(r, m.NodeID[:]); err != nil {
			return nil, err
		}
		return m, nil
	case TagStatus:
		m := &Status{}
		var err error
		if m.LastIrreversibleBlockNumber, err = readUint32(r); err != nil {
			return nil, err
		}
		if err = readFull(r, m.HeadBlockID[:]); err != nil {
			return nil, err
		}
		return m, nil
	case TagSubscribe:
		return &Subscribe{}, nil
	case TagUnsubscribe:
		return &Unsubscribe{}, nil
	case TagSubscriptionRefused:
		return &SubscriptionRefused{}, nil
	case TagBlockReceived:
		m := &BlockReceived{}
		if err := readFull(r, m.BlockID[:]); err != nil {
			return nil, err
		}
		return m, nil
	case TagTransactionReceived:
		m := &TransactionReceived{}
		if err := readFull(r, m.TransactionID[:]); err != nil {
			return nil, err
		}
		return m, nil
	case TagSignedBlock:
		m := &SignedBlock{}
		var err error
		if err = readFull(r, m.BlockID[:]); err != nil {
			return nil, err
		}
		if err = readFull(r, m.Previous[:]); err != nil {
			return nil, err
		}
		if m.Raw, err = readBytes(r); err != nil {
			return nil, err
		}
		return m, nil
	case TagPackedTransaction:
		m := &PackedTransaction{}
		var err error
		if err = readFull(r, m.TransactionID[:]); err != nil {
			return nil, err
		}
		if m.Raw, err = readBytes(r); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.Errorf("p2p: unknown message tag %d", tag)
	}
}

func writeInt16(buf *bytes.Buffer, v int16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readInt16(r *bytes.Reader) (int16, error) {
	var b [2]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b[:])), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := io.ReadFull(r, b)
	if err != nil {
		return errors.Wrap(err, "p2p: short read decoding message")
	}
	return nil
}
