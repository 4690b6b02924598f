package p2p

import "testing"

func TestBitsetSetGet(t *testing.T) {
	b := newBitset()
	if b.Get(5) {
		t.Error("fresh bitset reports bit 5 set")
	}
	b.Set(5)
	if !b.Get(5) {
		t.Error("Set(5) did not stick")
	}
	if b.Get(4) || b.Get(6) {
		t.Error("Set(5) set an unrelated bit")
	}
}

func TestBitsetGrowsOnHighBit(t *testing.T) {
	b := newBitset()
	b.Set(200)
	if !b.Get(200) {
		t.Error("Set(200) did not stick after growth")
	}
	if b.Len() < 201 {
		t.Errorf("Len() = %d, want at least 201 after Set(200)", b.Len())
	}
}

func TestBitsetNeverShrinks(t *testing.T) {
	b := newBitset()
	b.Set(130)
	grown := b.Len()
	b.Set(1)
	if b.Len() < grown {
		t.Errorf("Len() shrank from %d to %d after setting a lower bit", grown, b.Len())
	}
}
