package dhtnode

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"ouinet/internal/benc"
	"ouinet/internal/krpc"
	"ouinet/internal/nodeid"
	"ouinet/internal/routing"
)

func testConfig() Config {
	return Config{Network: "udp4", Address: "127.0.0.1", Port: 0}
}

func mustNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestNewAssignsRandomID(t *testing.T) {
	a := mustNode(t)
	b := mustNode(t)
	if a.LocalID() == b.LocalID() {
		t.Errorf("two freshly created nodes should not share a random id")
	}
}

func TestPingDiscoversRemoteID(t *testing.T) {
	a := mustNode(t)
	b := mustNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	bAddr := b.mux.LocalAddr().(*net.UDPAddr)
	a.sendPing(routing.Contact{Endpoint: *bAddr})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		closest := a.table.FindClosest(b.LocalID(), 1)
		if len(closest) == 1 && closest[0].Contact.HasID && closest[0].Contact.ID == b.LocalID() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("a's routing table never learned b's id")
}

func TestReplyAnnouncePeerRejectsBadToken(t *testing.T) {
	n := mustNode(t)
	addr := net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	ih := nodeid.RandomID()

	env := krpc.Envelope{
		T: "\x01", Y: "q", Q: "announce_peer",
		A: map[string]benc.Value{
			"id":        nodeid.RandomID().Bytestring(),
			"info_hash": ih.Bytestring(),
			"port":      int64(6881),
			"token":     "not-a-real-token",
		},
	}
	n.replyAnnouncePeer(addr, env)

	if got := n.tracker.Count(ih.Bytestring()); got != 0 {
		t.Fatalf("bad token should not register a peer, got count=%d", got)
	}
}

func TestReplyAnnouncePeerStoresPeerWithValidToken(t *testing.T) {
	n := mustNode(t)
	addr := net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	ih := nodeid.RandomID()
	token := n.tracker.IssueToken(addr)

	env := krpc.Envelope{
		T: "\x02", Y: "q", Q: "announce_peer",
		A: map[string]benc.Value{
			"id":        nodeid.RandomID().Bytestring(),
			"info_hash": ih.Bytestring(),
			"port":      int64(6881),
			"token":     token,
		},
	}
	n.replyAnnouncePeer(addr, env)

	if got := n.tracker.Count(ih.Bytestring()); got != 1 {
		t.Fatalf("expected one peer registered, got %d", got)
	}
}

func TestReplyFindNodePacksClosestContacts(t *testing.T) {
	n := mustNode(t)

	known := routing.Contact{ID: nodeid.RandomID(), HasID: true, Endpoint: net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 4000}}
	n.table.TryAdd(known, true)

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	requester := listener.LocalAddr().(*net.UDPAddr)

	env := krpc.Envelope{
		T: "\x03", Y: "q", Q: "find_node",
		A: map[string]benc.Value{"id": nodeid.RandomID().Bytestring(), "target": known.ID.Bytestring()},
	}
	n.replyFindNode(*requester, env)

	buf := make([]byte, 4096)
	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	nRead, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("did not receive find_node reply: %s", err)
	}
	reply, err := krpc.Decode(buf[:nRead])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Y != "r" {
		t.Fatalf("got y=%q, want r", reply.Y)
	}
	if _, ok := reply.R["nodes"].(string); !ok {
		t.Fatalf("reply is missing a nodes field: %#v", reply.R)
	}
}

func TestAddTrustedContactBypassesVerification(t *testing.T) {
	n := mustNode(t)
	id := nodeid.RandomID()
	addr := net.UDPAddr{IP: net.ParseIP("198.51.100.20"), Port: 5000}
	n.AddTrustedContact(id, addr)

	closest := n.table.FindClosest(id, 1)
	if len(closest) != 1 || closest[0].Contact.ID != id {
		t.Fatalf("expected trusted contact to be present in the routing table")
	}
}

func TestReplyAnnouncePeerHonorsImpliedPort(t *testing.T) {
	n := mustNode(t)
	addr := net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	ih := nodeid.RandomID()
	token := n.tracker.IssueToken(addr)

	env := krpc.Envelope{
		T: "\x04", Y: "q", Q: "announce_peer",
		A: map[string]benc.Value{
			"id":           nodeid.RandomID().Bytestring(),
			"info_hash":    ih.Bytestring(),
			"port":         int64(1111),
			"implied_port": int64(1),
			"token":        token,
		},
	}
	n.replyAnnouncePeer(addr, env)

	peers := n.tracker.ListPeers(ih.Bytestring())
	if len(peers) != 1 {
		t.Fatalf("expected one peer registered, got %d", len(peers))
	}
	if !contactHasPort(t, peers[0], addr.Port) {
		t.Fatalf("expected announced peer to use the sender's source port %d, got encoded contact %q", addr.Port, peers[0])
	}
}

func contactHasPort(t *testing.T, encoded string, port int) bool {
	t.Helper()
	if len(encoded) < 2 {
		return false
	}
	got := int(byte(encoded[len(encoded)-2]))<<8 | int(byte(encoded[len(encoded)-1]))
	return got == port
}

func TestReplyAnnouncePeerRejectsWhenNotResponsible(t *testing.T) {
	n := mustNode(t)
	ih := nodeid.RandomID()

	// Fill the table with RespondersPerSwarm*4 nodes strictly closer to ih
	// than the local node's own id, so the local node falls outside the
	// responsible set.
	for i := 0; i < RespondersPerSwarm*4; i++ {
		id := nodeid.RandomID()
		for !nodeid.CloserTo(ih, id, n.nodeID) {
			id = nodeid.RandomID()
		}
		n.table.TryAdd(routing.Contact{
			ID: id, HasID: true,
			Endpoint: net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 2000 + i},
		}, true)
	}

	addr := net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	token := n.tracker.IssueToken(addr)
	env := krpc.Envelope{
		T: "\x05", Y: "q", Q: "announce_peer",
		A: map[string]benc.Value{
			"id":        nodeid.RandomID().Bytestring(),
			"info_hash": ih.Bytestring(),
			"port":      int64(6881),
			"token":     token,
		},
	}
	n.replyAnnouncePeer(addr, env)

	if got := n.tracker.Count(ih.Bytestring()); got != 0 {
		t.Fatalf("a node outside the responsible set must reject the announce, got count=%d", got)
	}
}

func TestStoreMutableRejectsRegressingSeq(t *testing.T) {
	n := mustNode(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	item, err := benc.NewMutableItem(priv, nil, 5, "hello")
	if err != nil {
		t.Fatal(err)
	}
	env := krpc.Envelope{A: map[string]benc.Value{
		"k": string(pub), "sig": string(item.Signature), "salt": "",
	}}
	if code, _, ok := n.storeMutable(env, "hello", int64(5)); !ok {
		t.Fatalf("expected first put at seq=5 to be accepted, got code=%d", code)
	}

	regressed, err := benc.NewMutableItem(priv, nil, 3, "goodbye")
	if err != nil {
		t.Fatal(err)
	}
	env2 := krpc.Envelope{A: map[string]benc.Value{
		"k": string(pub), "sig": string(regressed.Signature), "salt": "",
	}}
	if _, _, ok := n.storeMutable(env2, "goodbye", int64(3)); ok {
		t.Fatalf("a put with a lower seq than what is stored must be rejected")
	}

	conflicting, err := benc.NewMutableItem(priv, nil, 5, "goodbye")
	if err != nil {
		t.Fatal(err)
	}
	env3 := krpc.Envelope{A: map[string]benc.Value{
		"k": string(pub), "sig": string(conflicting.Signature), "salt": "",
	}}
	if _, _, ok := n.storeMutable(env3, "goodbye", int64(5)); ok {
		t.Fatalf("a put repeating the stored seq with a different value must be rejected")
	}
}

func TestMergeReplyDropsSelfPromotedContact(t *testing.T) {
	n := mustNode(t)
	state := &lookupState{target: nodeid.RandomID(), visited: make(map[string]bool)}

	responder := net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4500}
	selfPromoted := routing.Contact{ID: nodeid.RandomID(), HasID: true, Endpoint: responder}
	other := routing.Contact{ID: nodeid.RandomID(), HasID: true, Endpoint: net.UDPAddr{IP: net.ParseIP("198.51.100.6"), Port: 4600}}

	before := totalSelfPromotions.Value()

	nodesStr := packContacts([]routing.Node{{Contact: selfPromoted}, {Contact: other}})
	env := krpc.Envelope{R: map[string]benc.Value{"nodes": nodesStr}}
	n.mergeReply(state, responder, env)

	for _, c := range state.frontier {
		if c.Contact.Endpoint.String() == responder.String() {
			t.Fatalf("a responding node must not be able to inject itself as a discovered contact")
		}
	}
	if len(state.frontier) != 1 {
		t.Fatalf("expected exactly the non-self contact to survive, got %d", len(state.frontier))
	}
	if after := totalSelfPromotions.Value(); after != before+1 {
		t.Fatalf("expected totalSelfPromotions to increment by 1, got %d -> %d", before, after)
	}
}

func TestHandleReplyDropsReplyFromWrongSource(t *testing.T) {
	n := mustNode(t)
	sentTo := routing.Contact{Endpoint: net.UDPAddr{IP: net.ParseIP("198.51.100.10"), Port: 7000}}
	transID := krpc.NewTransactionID()
	n.active.Issue(transID, krpc.PendingQuery{Method: "ping", Extra: sentTo})

	wrongSource := net.UDPAddr{IP: net.ParseIP("198.51.100.99"), Port: 9999}
	env := krpc.Envelope{T: transID, Y: "r", R: map[string]benc.Value{"id": nodeid.RandomID().Bytestring()}}
	n.handleReply(wrongSource, env)

	if n.table.Size() != 0 {
		t.Fatalf("a reply from a source other than the one the query was sent to must not be accepted")
	}
}
