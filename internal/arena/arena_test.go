package arena

import "testing"

func TestPopPushRecyclesCapacity(t *testing.T) {
	a := New(16, 2)
	b := a.Pop()
	if cap(b) != 16 {
		t.Fatalf("got cap %d, want 16", cap(b))
	}
	b = b[:4]
	a.Push(b)
	b2 := a.Pop()
	if cap(b2) != 16 {
		t.Fatalf("pushed block lost capacity: got %d, want 16", cap(b2))
	}
}
