package netutil

import (
	"net"
	"testing"

	"ouinet/internal/nodeid"
)

func TestEndpointRoundTripV4(t *testing.T) {
	ip := net.ParseIP("192.0.2.1")
	enc, err := EncodeEndpoint(ip, 6881)
	if err != nil {
		t.Fatal(err)
	}
	gotIP, gotPort, err := DecodeEndpoint(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !gotIP.Equal(ip) || gotPort != 6881 {
		t.Errorf("got %v:%d, want %v:%d", gotIP, gotPort, ip, 6881)
	}
}

func TestEndpointRoundTripV6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	enc, err := EncodeEndpoint(ip, 443)
	if err != nil {
		t.Fatal(err)
	}
	gotIP, gotPort, err := DecodeEndpoint(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !gotIP.Equal(ip) || gotPort != 443 {
		t.Errorf("got %v:%d, want %v:%d", gotIP, gotPort, ip, 443)
	}
}

func TestPackParseNodesRoundTrip(t *testing.T) {
	id1, _ := nodeid.Random()
	id2, _ := nodeid.Random()
	contacts := []Contact{
		{ID: id1, IP: net.ParseIP("10.0.0.1").To4(), Port: 111},
		{ID: id2, IP: net.ParseIP("10.0.0.2").To4(), Port: 222},
	}
	packed, err := PackNodes(contacts)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseNodes(packed, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 2 {
		t.Fatalf("got %d contacts, want 2", len(parsed))
	}
	for i, c := range parsed {
		if c.ID != contacts[i].ID || c.Port != contacts[i].Port {
			t.Errorf("contact %d mismatch: got %+v, want %+v", i, c, contacts[i])
		}
	}
}

func TestDottedPortBinaryRoundTrip(t *testing.T) {
	hp := "127.0.0.1:8080"
	bin := DottedPortToBinary(hp)
	if len(bin) != 6 {
		t.Fatalf("expected 6-byte binary contact, got %d", len(bin))
	}
	got := BinaryToDottedPort(bin)
	if got != hp {
		t.Errorf("got %q, want %q", got, hp)
	}
}
