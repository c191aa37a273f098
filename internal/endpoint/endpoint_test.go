package endpoint

import "testing"

func TestNewPoolSlotsPointIntoContiguousRegion(t *testing.T) {
	p := NewPool(4, 16)
	if p.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", p.Len())
	}
	if p.MaxPacketSize() != 16 {
		t.Fatalf("MaxPacketSize() = %d, want 16", p.MaxPacketSize())
	}

	slots := p.Slots()
	slots[0].Buffer()[0] = 0xAA
	if slots[1].Buffer()[0] == 0xAA {
		t.Fatal("slot 1 aliases slot 0's buffer")
	}
}

func TestResetLengthsOnlyTouchesRequestedPrefix(t *testing.T) {
	p := NewPool(4, 16)
	p.ResetLengths(2)

	slots := p.Slots()
	if slots[0].Len != 16 || slots[1].Len != 16 {
		t.Fatalf("expected first 2 slots reset to 16, got %d %d", slots[0].Len, slots[1].Len)
	}
	if slots[2].Len != 0 || slots[3].Len != 0 {
		t.Fatalf("expected remaining slots untouched, got %d %d", slots[2].Len, slots[3].Len)
	}
}

func TestResetLengthsClampsToPoolSize(t *testing.T) {
	p := NewPool(2, 8)
	p.ResetLengths(100) // must not panic or write out of bounds

	for i, s := range p.Slots() {
		if s.Len != 8 {
			t.Errorf("slot %d Len = %d, want 8", i, s.Len)
		}
	}
}

func TestSlotBytesReflectsLen(t *testing.T) {
	p := NewPool(1, 8)
	slots := p.Slots()
	copy(slots[0].Buffer(), []byte("hello!!!"))
	slots[0].Len = 5

	if got := string(slots[0].Bytes()); got != "hello" {
		t.Errorf("Bytes() = %q, want %q", got, "hello")
	}
}
