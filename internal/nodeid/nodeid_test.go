package nodeid

import (
	"net"
	"testing"
)

func mustID(t *testing.T, b byte) ID {
	t.Helper()
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestBytestringRoundTrip(t *testing.T) {
	id, err := Random()
	if err != nil {
		t.Fatal(err)
	}
	got, err := FromBytestring(id.Bytestring())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("round trip mismatch: got %x, want %x", got, id)
	}
}

func TestDistanceProperties(t *testing.T) {
	a, err := Random()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Random()
	if err != nil {
		t.Fatal(err)
	}
	if Distance(a, a) != Zero {
		t.Errorf("d(a,a) should be zero, got %x", Distance(a, a))
	}
	if Distance(a, b) != Distance(b, a) {
		t.Errorf("distance should be symmetric")
	}
}

func TestCloserToTotalOrder(t *testing.T) {
	target := mustID(t, 0x00)
	a := mustID(t, 0x01)
	b := mustID(t, 0x02)
	if !CloserTo(target, a, b) {
		t.Errorf("expected a to be closer to target than b")
	}
	if CloserTo(target, b, a) {
		t.Errorf("closer_to must be a strict order, not symmetric")
	}
}

func TestBitAccess(t *testing.T) {
	var id ID
	id = id.SetBit(0, true)
	if !id.Bit(0) {
		t.Errorf("expected bit 0 set")
	}
	if id[0] != 0x80 {
		t.Errorf("expected MSB set, got %08b", id[0])
	}
	id = id.SetBit(7, true)
	if id[0] != 0x81 {
		t.Errorf("expected bits 0 and 7 set, got %08b", id[0])
	}
}

func TestRangeContainsAndRandomID(t *testing.T) {
	r := MaxRange()
	r = r.Reduce(true)
	r = r.Reduce(false)
	for i := 0; i < 16; i++ {
		id, err := r.RandomID()
		if err != nil {
			t.Fatal(err)
		}
		if !r.Contains(id) {
			t.Fatalf("random id %x not contained in range %+v", id, r)
		}
	}
}

func TestGenerateIDRespectsBEP42Nonce(t *testing.T) {
	ip := net.ParseIP("124.31.75.21")
	id, err := GenerateID(ip, 0x42)
	if err != nil {
		t.Fatal(err)
	}
	if id[Len-1] != 0x42 {
		t.Errorf("expected trailing nonce byte preserved, got %x", id[Len-1])
	}
}
