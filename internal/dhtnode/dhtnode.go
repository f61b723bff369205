// Package dhtnode wires internal/mux, internal/routing, internal/tracker
// and internal/krpc together into the full DHT node: query/response
// dispatch, bootstrap, the bounded-fan-out iterative lookup used by
// find_node/get_peers/get, and the best-effort retry policy used by the
// write queries (announce_peer/put). The single-goroutine dispatch loop and
// channel-driven shutdown are generalized from the teacher's dht.go loop();
// get/put and the iterative collector have no teacher analogue and follow
// original_source/src/bittorrent/dht.cpp plus spec.md §4.4 directly.
package dhtnode

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/errgroup"

	"ouinet/internal/benc"
	"ouinet/internal/krpc"
	"ouinet/internal/logger"
	"ouinet/internal/mux"
	"ouinet/internal/netutil"
	"ouinet/internal/nodeid"
	"ouinet/internal/routing"
	"ouinet/internal/tracker"
)

var (
	totalNodesReached    = expvar.NewInt("dhtnode.totalNodesReached")
	totalSelfPromotions  = expvar.NewInt("dhtnode.totalSelfPromotions")
	totalGetPeersDupes   = expvar.NewInt("dhtnode.totalGetPeersDupes")
	totalFindNodeDupes   = expvar.NewInt("dhtnode.totalFindNodeDupes")
	totalQueriesSent     = expvar.NewInt("dhtnode.totalQueriesSent")
	totalQueriesTimedOut = expvar.NewInt("dhtnode.totalQueriesTimedOut")
)

// RespondersPerSwarm is RESPONSIBLE_TRACKERS_PER_SWARM, the number of nodes
// closest to an infohash considered responsible for its tracker swarm.
const RespondersPerSwarm = 8

// CollectWorkers bounds the fan-out of an iterative lookup, mirroring the
// teacher's preference for small, bounded concurrency (MaxNodePendingQueries
// per remote node) generalized to a single shared bound across the whole
// lookup rather than per node.
const CollectWorkers = 64

// QueryTimeout is how long a single outstanding query is allowed to go
// unanswered before its active-request slot is released (Open Question
// (a)).
const QueryTimeout = 5 * time.Second

// WriteRetries bounds how many times a write query (announce_peer, put) is
// retried against a single target before being abandoned; writes are
// inherently best-effort, as spec.md §4.4 states.
const WriteRetries = 5

// Config carries the tunables the teacher exposes on its DHT Config; kept
// separate from internal/config's flag-bound Config so this package has no
// dependency on flag parsing.
type Config struct {
	Network        string // "udp4" or "udp6"
	Address        string
	Port           int
	Routers        []string // host:port bootstrap routers
	MaxNodes       int
	NumTargetPeers int
}

// DefaultConfig mirrors the teacher's NewConfig defaults.
func DefaultConfig() Config {
	return Config{
		Network:        "udp4",
		NumTargetPeers: 5,
		Routers: []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
		MaxNodes: 500,
	}
}

// Node is the full DHT node: UDP transport, routing table, peer tracker and
// query dispatch.
type Node struct {
	cfg    Config
	nodeID nodeid.ID
	log    logger.DebugLogger

	mux     *mux.Mux
	table   *routing.Table
	tracker *tracker.Tracker
	active  *krpc.ActiveRequests

	store storage

	stop chan struct{}
	wg   sync.WaitGroup
}

// storage holds the BEP 44 immutable/mutable items this node has been asked
// to store, keyed by their 160-bit storage key.
type storage struct {
	mu        sync.Mutex
	immutable map[[20]byte]benc.Value
	mutable   map[[20]byte]benc.MutableItem
}

func newStorage() storage {
	return storage{
		immutable: make(map[[20]byte]benc.Value),
		mutable:   make(map[[20]byte]benc.MutableItem),
	}
}

// New binds the UDP socket and builds a DHT node ready to Run.
func New(cfg Config, log logger.DebugLogger) (*Node, error) {
	if log == nil {
		log = logger.NullLogger{}
	}
	id := nodeid.RandomID()
	m, err := mux.Listen(cfg.Network, cfg.Address, cfg.Port, log)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		nodeID:  id,
		log:     log,
		mux:     m,
		table:   routing.New(id, log),
		tracker: tracker.New(2048),
		active:  krpc.NewActiveRequests(),
		store:   newStorage(),
		stop:    make(chan struct{}),
	}
	n.table.SetPingFunc(n.sendPing)
	return n, nil
}

// LocalID returns the node's own 160-bit id.
func (n *Node) LocalID() nodeid.ID { return n.nodeID }

// NodeCount returns the number of live contacts currently held in the
// routing table, for the front-end admin status page.
func (n *Node) NodeCount() int { return n.table.Size() }

// Run starts the receive loop and dispatch goroutine, then bootstraps the
// routing table against the configured routers. It blocks until Stop is
// called or ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	packets := make(chan mux.Packet, 64)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.mux.Run(packets)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		tick := time.NewTicker(tracker.TokenEpoch)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				n.tracker.RotateSecret()
				n.tracker.ExpireAll()
			case <-n.stop:
				return
			}
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dispatchLoop(packets)
	}()

	n.bootstrap()

	select {
	case <-ctx.Done():
	case <-n.stop:
	}
	return nil
}

// Stop tears down the receive/dispatch loops and releases the socket.
func (n *Node) Stop() {
	select {
	case <-n.stop:
		return
	default:
		close(n.stop)
	}
	n.mux.Close()
	n.wg.Wait()
}

func (n *Node) dispatchLoop(packets <-chan mux.Packet) {
	for {
		select {
		case p, ok := <-packets:
			if !ok {
				return
			}
			n.handlePacket(p)
			n.mux.Release(p)
		case <-n.stop:
			return
		}
	}
}

func (n *Node) handlePacket(p mux.Packet) {
	env, err := krpc.Decode(p.B)
	if err != nil {
		n.log.Debugf("dhtnode: malformed packet from %v: %s", p.Raddr, err)
		return
	}
	switch env.Y {
	case "q":
		n.handleQuery(p.Raddr, env)
	case "r", "e":
		n.handleReply(p.Raddr, env)
	default:
		n.log.Debugf("dhtnode: unknown message class %q from %v", env.Y, p.Raddr)
	}
}

// bootstrap pings every configured router and issues a find_node for our
// own id, exactly like the teacher's bootstrap(): ping first (to learn the
// router's node id), then walk the network inward.
func (n *Node) bootstrap() {
	for _, addr := range n.cfg.Routers {
		udpAddr, err := net.ResolveUDPAddr(n.cfg.Network, addr)
		if err != nil {
			n.log.Debugf("dhtnode: bad router address %q: %s", addr, err)
			continue
		}
		n.sendPing(routing.Contact{Endpoint: *udpAddr})
	}
	go n.FindNode(context.Background(), n.nodeID)
}

// AddTrustedContact injects a known-good contact directly into the routing
// table without the usual ping verification, the Go equivalent of the
// teacher's ADDHonestPeer: used to seed a private swarm or an injector's own
// well-known address.
func (n *Node) AddTrustedContact(id nodeid.ID, addr net.UDPAddr) {
	n.table.TryAdd(routing.Contact{ID: id, HasID: true, Endpoint: addr}, true)
}

// lookupReply is what a lookup query's active-request slot carries as
// Extra: the contact it was sent to, plus a channel the dispatch loop uses
// to hand the decoded reply back to the goroutine that issued the query.
type lookupReply struct {
	contact routing.Contact
	ch      chan krpc.Envelope
}

func (n *Node) sendPing(c routing.Contact) {
	transID := krpc.NewTransactionID()
	gen := n.active.Issue(transID, krpc.PendingQuery{Method: "ping", IssuedAt: time.Now(), Extra: c})
	n.sendQuery(c.Endpoint, transID, "ping", map[string]benc.Value{"id": n.nodeID.Bytestring()})
	n.armTimeout(transID, gen, c)
}

func (n *Node) sendQuery(addr net.UDPAddr, transID, method string, args map[string]benc.Value) {
	raw, err := krpc.EncodeQuery(transID, method, args)
	if err != nil {
		n.log.Debugf("dhtnode: encode %s failed: %s", method, err)
		return
	}
	totalQueriesSent.Add(1)
	n.mux.Send(raw, addr)
}

// armTimeout releases transID's slot if it is still the one this caller
// issued (matched by generation) once QueryTimeout elapses without a reply.
// A reply that resolves the slot first makes this a no-op, since Timeout
// only acts on a slot still carrying the same generation.
func (n *Node) armTimeout(transID string, gen uint64, c routing.Contact) {
	time.AfterFunc(QueryTimeout, func() {
		if _, ok := n.active.Timeout(transID, gen); ok {
			totalQueriesTimedOut.Add(1)
			n.table.Fail(c)
		}
	})
}

func (n *Node) handleReply(addr net.UDPAddr, env krpc.Envelope) {
	q, ok := n.active.Resolve(env.T)
	if !ok {
		n.log.Debugf("dhtnode: reply to unknown/expired transaction from %v", addr)
		return
	}

	var c routing.Contact
	if lr, ok := q.Extra.(lookupReply); ok {
		c = lr.contact
	} else if cc, ok := q.Extra.(routing.Contact); ok {
		c = cc
	}
	if c.Endpoint.String() != addr.String() {
		n.log.Debugf("dhtnode: reply to transaction sent to %v arrived from %v, dropping", c.Endpoint, addr)
		return
	}

	if env.Y == "e" {
		n.table.Fail(c)
		if lr, ok := q.Extra.(lookupReply); ok {
			lr.ch <- env
		}
		return
	}

	if idStr, ok := env.R["id"].(string); ok {
		c.ID, c.HasID = nodeid.FromBytestringOrZero(idStr), true
	}
	n.table.TryAdd(c, true)
	totalNodesReached.Add(1)

	if lr, ok := q.Extra.(lookupReply); ok {
		lr.ch <- env
	}
}

func (n *Node) handleQuery(addr net.UDPAddr, env krpc.Envelope) {
	id, _ := env.A["id"].(string)
	from := routing.Contact{Endpoint: addr}
	if len(id) == nodeid.Len {
		from.ID, from.HasID = nodeid.FromBytestringOrZero(id), true
	}
	n.table.TryAdd(from, false)

	switch env.Q {
	case "ping":
		n.replyPing(addr, env)
	case "find_node":
		n.replyFindNode(addr, env)
	case "get_peers":
		n.replyGetPeers(addr, env)
	case "announce_peer":
		n.replyAnnouncePeer(addr, env)
	case "get":
		n.replyGet(addr, env)
	case "put":
		n.replyPut(addr, env)
	default:
		n.log.Debugf("dhtnode: unsupported query %q from %v", env.Q, addr)
	}
}

func (n *Node) replyPing(addr net.UDPAddr, env krpc.Envelope) {
	raw, _ := krpc.EncodeReply(env.T, map[string]benc.Value{"id": n.nodeID.Bytestring()})
	n.mux.Send(raw, addr)
}

func (n *Node) replyFindNode(addr net.UDPAddr, env krpc.Envelope) {
	target, _ := env.A["target"].(string)
	closest := n.table.FindClosest(nodeid.FromBytestringOrZero(target), routing.K)
	raw, _ := krpc.EncodeReply(env.T, map[string]benc.Value{
		"id":    n.nodeID.Bytestring(),
		"nodes": packContacts(closest),
	})
	n.mux.Send(raw, addr)
}

func (n *Node) replyGetPeers(addr net.UDPAddr, env krpc.Envelope) {
	ihStr, _ := env.A["info_hash"].(string)
	token := n.tracker.IssueToken(addr)
	r := map[string]benc.Value{"id": n.nodeID.Bytestring(), "token": token}
	if peers := n.tracker.ListPeers(ihStr); len(peers) > 0 {
		values := make([]benc.Value, len(peers))
		for i, p := range peers {
			values[i] = p
		}
		r["values"] = values
	} else {
		closest := n.table.FindClosest(nodeid.FromBytestringOrZero(ihStr), routing.K)
		r["nodes"] = packContacts(closest)
	}
	raw, _ := krpc.EncodeReply(env.T, r)
	n.mux.Send(raw, addr)
}

func (n *Node) replyAnnouncePeer(addr net.UDPAddr, env krpc.Envelope) {
	ihStr, _ := env.A["info_hash"].(string)
	token, _ := env.A["token"].(string)
	if !n.tracker.VerifyToken(addr, token) {
		raw, _ := krpc.EncodeError(env.T, 203, "bad token")
		n.mux.Send(raw, addr)
		return
	}
	infoHash := nodeid.FromBytestringOrZero(ihStr)
	if !n.isResponsibleFor(infoHash) {
		raw, _ := krpc.EncodeError(env.T, 201, "not responsible for this infohash")
		n.mux.Send(raw, addr)
		return
	}
	port := addr.Port
	if implied, _ := env.A["implied_port"].(int64); implied == 0 {
		if p, ok := env.A["port"].(int64); ok {
			port = int(p)
		}
	}
	contact, err := netutil.EncodeEndpoint(addr.IP, port)
	if err == nil {
		n.tracker.AddPeer(ihStr, contact)
	}
	raw, _ := krpc.EncodeReply(env.T, map[string]benc.Value{"id": n.nodeID.Bytestring()})
	n.mux.Send(raw, addr)
}

// isResponsibleFor reports whether the local node is among the
// RespondersPerSwarm*4 closest known nodes to target, the cheap
// "am I responsible" check announce_peer uses before accepting a write.
func (n *Node) isResponsibleFor(target nodeid.ID) bool {
	closest := n.table.FindClosest(target, RespondersPerSwarm*4)
	if len(closest) < RespondersPerSwarm*4 {
		return true
	}
	farthest := closest[len(closest)-1].Contact.ID
	return nodeid.CloserTo(target, n.nodeID, farthest)
}

func (n *Node) replyGet(addr net.UDPAddr, env krpc.Envelope) {
	target, _ := env.A["target"].(string)
	var key [20]byte
	copy(key[:], target)

	n.store.mu.Lock()
	item, isMutable := n.store.mutable[key]
	value, isImmutable := n.store.immutable[key]
	n.store.mu.Unlock()

	r := map[string]benc.Value{"id": n.nodeID.Bytestring(), "token": n.tracker.IssueToken(addr)}
	switch {
	case isMutable:
		r["v"] = item.V
		r["seq"] = item.Seq
		r["sig"] = string(item.Signature)
		r["k"] = string(item.PublicKey)
	case isImmutable:
		r["v"] = value
	default:
		closest := n.table.FindClosest(nodeid.FromBytestringOrZero(target), routing.K)
		r["nodes"] = packContacts(closest)
	}
	raw, _ := krpc.EncodeReply(env.T, r)
	n.mux.Send(raw, addr)
}

func (n *Node) replyPut(addr net.UDPAddr, env krpc.Envelope) {
	token, _ := env.A["token"].(string)
	if !n.tracker.VerifyToken(addr, token) {
		raw, _ := krpc.EncodeError(env.T, 203, "bad token")
		n.mux.Send(raw, addr)
		return
	}
	v := env.A["v"]
	if seqVal, hasSeq := env.A["seq"]; hasSeq {
		if code, msg, ok := n.storeMutable(env, v, seqVal); !ok {
			raw, _ := krpc.EncodeError(env.T, code, msg)
			n.mux.Send(raw, addr)
			return
		}
	} else {
		key, err := benc.ImmutableKey(v)
		if err != nil {
			raw, _ := krpc.EncodeError(env.T, 203, "bad value")
			n.mux.Send(raw, addr)
			return
		}
		n.store.mu.Lock()
		n.store.immutable[key] = v
		n.store.mu.Unlock()
	}
	raw, _ := krpc.EncodeReply(env.T, map[string]benc.Value{"id": n.nodeID.Bytestring()})
	n.mux.Send(raw, addr)
}

// storeMutable validates and stores a mutable put. It returns ok=false with
// a KRPC error code/message if the signature does not check out (206,
// "invalid signature") or if seq is lower than the stored value's seq, or
// equal but carrying a different value (302, "seq too low"), per BEP 44's
// monotonic-seq rule.
func (n *Node) storeMutable(env krpc.Envelope, v benc.Value, seqVal benc.Value) (code int, msg string, ok bool) {
	seq, _ := seqVal.(int64)
	pkStr, _ := env.A["k"].(string)
	sigStr, _ := env.A["sig"].(string)
	saltStr, _ := env.A["salt"].(string)
	pk := ed25519.PublicKey(pkStr)

	verified, err := benc.VerifyMutable(pk, []byte(saltStr), seq, v, []byte(sigStr))
	if err != nil || !verified {
		return 206, "invalid signature", false
	}
	key := benc.MutableKey(pk, []byte(saltStr))
	item := benc.MutableItem{PublicKey: pk, Salt: []byte(saltStr), Seq: seq, V: v, Signature: []byte(sigStr)}

	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	existing, had := n.store.mutable[key]
	if had {
		if seq < existing.Seq || (seq == existing.Seq && !sameValue(v, existing.V)) {
			return 302, "seq too low", false
		}
	}
	n.store.mutable[key] = item
	return 0, "", true
}

// sameValue reports whether a and b bencode to the same bytes, used to
// decide whether a put repeating an already-stored seq is a harmless resend
// or a conflicting rewrite that BEP 44 requires rejecting.
func sameValue(a, b benc.Value) bool {
	ea, erra := benc.Encode(a)
	eb, errb := benc.Encode(b)
	return erra == nil && errb == nil && string(ea) == string(eb)
}

func packContacts(nodes []routing.Node) string {
	contacts := make([]netutil.Contact, 0, len(nodes))
	for _, node := range nodes {
		if !node.Contact.HasID {
			continue
		}
		contacts = append(contacts, netutil.Contact{ID: node.Contact.ID, IP: node.Contact.Endpoint.IP, Port: node.Contact.Endpoint.Port})
	}
	packed, _ := netutil.PackNodes(contacts)
	return packed
}

// FindNode performs an iterative find_node lookup for target and returns
// the K closest live contacts once the search converges.
func (n *Node) FindNode(ctx context.Context, target nodeid.ID) []routing.Node {
	return n.runLookup(ctx, target, "find_node", nil).closest
}

// GetPeers performs an iterative get_peers lookup for infoHash, returning
// any peer contacts discovered along the way.
func (n *Node) GetPeers(ctx context.Context, infoHash nodeid.ID) []string {
	return n.runLookup(ctx, infoHash, "get_peers", nil).peers
}

// Get performs an iterative BEP 44 get lookup for the given storage key.
func (n *Node) Get(ctx context.Context, key nodeid.ID) *lookupState {
	return n.runLookup(ctx, key, "get", nil)
}

// lookupState accumulates an iterative lookup's frontier and results across
// the bounded worker pool.
type lookupState struct {
	mu       sync.Mutex
	target   nodeid.ID
	visited  map[string]bool
	frontier []routing.Node
	closest  []routing.Node
	peers    []string
	Value    benc.Value
	Found    bool
}

// runLookup drives the generic bounded-fan-out iterative search described
// in spec.md §4.4: a frontier of the closest known contacts is queried
// CollectWorkers at a time; each reply's "nodes" contacts merge into the
// frontier; the search terminates once a round yields no contact that has
// not already been queried, the context is canceled, or a round cap is
// hit as a backstop against a misbehaving network never converging.
func (n *Node) runLookup(ctx context.Context, target nodeid.ID, method string, extra map[string]benc.Value) *lookupState {
	state := &lookupState{
		target:  target,
		visited: make(map[string]bool),
	}
	state.frontier = n.table.FindClosest(target, routing.K)

	const maxRounds = 8
	for round := 0; round < maxRounds && len(state.frontier) > 0; round++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(CollectWorkers)

		batch := state.frontier
		state.frontier = nil
		var progressed bool

		for _, node := range batch {
			node := node
			key := node.Contact.Endpoint.String()
			if state.visited[key] {
				if method == "find_node" {
					totalFindNodeDupes.Add(1)
				} else {
					totalGetPeersDupes.Add(1)
				}
				continue
			}
			state.visited[key] = true
			g.Go(func() error {
				env, ok := n.queryOnce(gctx, node.Contact, method, target, extra)
				if !ok {
					return nil
				}
				state.mu.Lock()
				if n.mergeReply(state, node.Contact.Endpoint, env) {
					progressed = true
				}
				state.mu.Unlock()
				return nil
			})
		}
		g.Wait()

		if !progressed {
			break
		}
	}

	state.closest = n.table.FindClosest(target, routing.K)
	return state
}

// mergeReply folds one query reply into state. from is the endpoint the
// reply actually came from, used to drop a responding node trying to inject
// itself as a newly-discovered contact for its own address. Caller holds
// state.mu.
func (n *Node) mergeReply(state *lookupState, from net.UDPAddr, env krpc.Envelope) bool {
	if list, ok := env.R["values"].([]benc.Value); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				state.peers = append(state.peers, s)
			}
		}
	}
	if v, ok := env.R["v"]; ok {
		state.Value, state.Found = v, true
	}

	progressed := false
	if nodesStr, ok := env.R["nodes"].(string); ok {
		contacts, err := netutil.ParseNodes(nodesStr, false)
		if err == nil {
			for _, c := range contacts {
				if c.IP.Equal(from.IP) && c.Port == from.Port {
					totalSelfPromotions.Add(1)
					continue
				}
				addr := net.JoinHostPort(c.IP.String(), fmt.Sprint(c.Port))
				if state.visited[addr] {
					continue
				}
				state.frontier = append(state.frontier, routing.Node{
					Contact: routing.Contact{ID: c.ID, HasID: true, Endpoint: net.UDPAddr{IP: c.IP, Port: c.Port}},
				})
				progressed = true
			}
		}
	}
	sort.Slice(state.frontier, func(i, j int) bool {
		return nodeid.CloserTo(state.target, state.frontier[i].Contact.ID, state.frontier[j].Contact.ID)
	})
	if len(state.frontier) > routing.K*4 {
		state.frontier = state.frontier[:routing.K*4]
	}
	return progressed
}

// queryOnce sends one query to c and waits (bounded by QueryTimeout or ctx)
// for its reply, returning the decoded envelope.
func (n *Node) queryOnce(ctx context.Context, c routing.Contact, method string, target nodeid.ID, extra map[string]benc.Value) (krpc.Envelope, bool) {
	transID := krpc.NewTransactionID()
	args := map[string]benc.Value{"id": n.nodeID.Bytestring()}
	for k, v := range extra {
		args[k] = v
	}
	switch method {
	case "find_node", "get":
		args["target"] = target.Bytestring()
	case "get_peers":
		args["info_hash"] = target.Bytestring()
	}

	ch := make(chan krpc.Envelope, 1)
	gen := n.active.Issue(transID, krpc.PendingQuery{Method: method, IssuedAt: time.Now(), Extra: lookupReply{contact: c, ch: ch}})
	n.sendQuery(c.Endpoint, transID, method, args)

	select {
	case env := <-ch:
		return env, env.Y == "r"
	case <-time.After(QueryTimeout):
		n.active.Timeout(transID, gen)
		n.table.Fail(c)
		totalQueriesTimedOut.Add(1)
		return krpc.Envelope{}, false
	case <-ctx.Done():
		n.active.Timeout(transID, gen)
		return krpc.Envelope{}, false
	}
}

// announceTarget is one of the nodes discovered by a get_peers lookup,
// together with the token it handed back and needed for announce_peer.
type announceTarget struct {
	contact routing.Contact
	token   string
}

// AnnouncePeer runs a get_peers lookup for infoHash, collecting the
// announce token each responding node hands back, then issues
// announce_peer against each of the closest nodes. Like the teacher's write
// path, this is best-effort: each target gets up to WriteRetries attempts
// and a failure to announce to one target never aborts the others.
func (n *Node) AnnouncePeer(ctx context.Context, infoHash nodeid.ID, port int) {
	targets := n.collectTokens(ctx, infoHash, "get_peers", nil)
	args := map[string]benc.Value{
		"info_hash": infoHash.Bytestring(),
		"port":      int64(port),
	}
	n.writeToTargets(ctx, targets, "announce_peer", args)
}

// Put stores an immutable or mutable item on the closest nodes to its
// storage key, following the same best-effort write-with-retry policy as
// AnnouncePeer.
func (n *Node) Put(ctx context.Context, key nodeid.ID, args map[string]benc.Value) {
	targets := n.collectTokens(ctx, key, "get", nil)
	n.writeToTargets(ctx, targets, "put", args)
}

// collectTokens runs a get_peers/get-shaped lookup, recording the token
// each responding node returned alongside its contact so a subsequent write
// query can present it back.
func (n *Node) collectTokens(ctx context.Context, target nodeid.ID, method string, extra map[string]benc.Value) []announceTarget {
	state := &lookupState{target: target, visited: make(map[string]bool)}
	state.frontier = n.table.FindClosest(target, routing.K)

	var mu sync.Mutex
	var targets []announceTarget

	const maxRounds = 8
	for round := 0; round < maxRounds && len(state.frontier) > 0; round++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(CollectWorkers)
		batch := state.frontier
		state.frontier = nil
		var progressed bool

		for _, node := range batch {
			node := node
			key := node.Contact.Endpoint.String()
			if state.visited[key] {
				continue
			}
			state.visited[key] = true
			g.Go(func() error {
				env, ok := n.queryOnce(gctx, node.Contact, method, target, extra)
				if !ok {
					return nil
				}
				if token, ok := env.R["token"].(string); ok {
					mu.Lock()
					targets = append(targets, announceTarget{contact: node.Contact, token: token})
					mu.Unlock()
				}
				state.mu.Lock()
				if n.mergeReply(state, node.Contact.Endpoint, env) {
					progressed = true
				}
				state.mu.Unlock()
				return nil
			})
		}
		g.Wait()
		if !progressed {
			break
		}
	}
	return targets
}

func (n *Node) writeToTargets(ctx context.Context, targets []announceTarget, method string, baseArgs map[string]benc.Value) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(CollectWorkers)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			args := make(map[string]benc.Value, len(baseArgs)+1)
			for k, v := range baseArgs {
				args[k] = v
			}
			args["token"] = t.token
			for attempt := 0; attempt < WriteRetries; attempt++ {
				if _, ok := n.queryOnce(gctx, t.contact, method, nodeid.Zero, args); ok {
					return nil
				}
			}
			return nil
		})
	}
	g.Wait()
}
