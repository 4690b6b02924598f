package p2p

import (
	"bytes"
	"reflect"
	"testing"
)

func TestBinaryCodecRoundTrip(t *testing.T) {
	blockID := BlockID{1, 2, 3}
	txID := TransactionID{4, 5, 6}
	chainID := ChainID{7, 8, 9}
	nodeID := NodeID{10, 11, 12}

	messages := []Message{
		&Hello{NetworkVersion: 3, ChainID: chainID, NodeID: nodeID, P2PAddress: "peer:9876", OS: "linux", Agent: "test-agent"},
		&Goodbye{Reason: GoodbyeWrongChain, NodeID: nodeID},
		&Status{LastIrreversibleBlockNumber: 42, HeadBlockID: blockID},
		&Subscribe{},
		&Unsubscribe{},
		&SubscriptionRefused{},
		&BlockReceived{BlockID: blockID},
		&TransactionReceived{TransactionID: txID},
		&SignedBlock{BlockID: blockID, Previous: BlockID{9, 9, 9}, Raw: []byte("block-bytes")},
		&PackedTransaction{TransactionID: txID, Raw: []byte("tx-bytes")},
	}

	codec := BinaryCodec{}
	for _, m := range messages {
		payload, err := codec.Encode(m)
		if err != nil {
			t.Fatalf("Encode(%T): %v", m, err)
		}
		if len(payload) == 0 || MessageTag(payload[0]) != m.Tag() {
			t.Fatalf("Encode(%T) produced payload with wrong tag byte", m)
		}
		decoded, err := codec.Decode(payload)
		if err != nil {
			t.Fatalf("Decode(%T): %v", m, err)
		}
		if decoded.Tag() != m.Tag() {
			t.Errorf("Decode(%T) tag mismatch: got %s want %s", m, decoded.Tag(), m.Tag())
		}
		if !reflect.DeepEqual(decoded, m) {
			t.Errorf("Decode(Encode(%T)) = %+v, want %+v", m, decoded, m)
		}
	}
}

func TestBinaryCodecSignedBlockPreservesRaw(t *testing.T) {
	codec := BinaryCodec{}
	in := &SignedBlock{BlockID: BlockID{1}, Previous: BlockID{2}, Raw: []byte("payload")}
	payload, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := codec.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.(*SignedBlock)
	if got.BlockID != in.BlockID || got.Previous != in.Previous || !bytes.Equal(got.Raw, in.Raw) {
		t.Errorf("Decode(Encode(x)) = %+v, want %+v", got, in)
	}
}

func TestBinaryCodecDecodeEmptyPayload(t *testing.T) {
	if _, err := (BinaryCodec{}).Decode(nil); err == nil {
		t.Error("Decode(nil) expected error, got none")
	}
}

func TestBinaryCodecDecodeUnknownTag(t *testing.T) {
	if _, err := (BinaryCodec{}).Decode([]byte{0xff}); err == nil {
		t.Error("Decode with unknown tag expected error, got none")
	}
}

func TestBinaryCodecDecodeTruncated(t *testing.T) {
	codec := BinaryCodec{}
	payload, err := codec.Encode(&Status{LastIrreversibleBlockNumber: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := codec.Decode(payload[:len(payload)-1]); err == nil {
		t.Error("Decode of truncated payload expected error, got none")
	}
}
