package mux

import (
	"net"
	"testing"
	"time"
)

func TestSendAndRun(t *testing.T) {
	a, err := Listen("udp4", "127.0.0.1", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := Listen("udp4", "127.0.0.1", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	out := make(chan Packet, 1)
	go b.Run(out)

	bAddr := b.LocalAddr().(*net.UDPAddr)
	a.Send([]byte("hello"), *bAddr)

	select {
	case p := <-out:
		if string(p.B) != "hello" {
			t.Errorf("got %q, want %q", p.B, "hello")
		}
		b.Release(p)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	sent, _, written := a.Stats()
	if sent != 1 {
		t.Errorf("totalSent = %d, want 1", sent)
	}
	if written == 0 {
		t.Errorf("totalWritten should be nonzero")
	}
}

func TestCloseStopsRun(t *testing.T) {
	m, err := Listen("udp4", "127.0.0.1", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan Packet)
	done := make(chan struct{})
	go func() {
		m.Run(out)
		close(done)
	}()
	m.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
