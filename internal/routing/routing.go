// Package routing implements the Kademlia-style routing table described in
// spec.md §3/§4.2: a binary trie of k-buckets (K=8) with verified/unverified
// replacement-candidate queues, splitting, and the try_add/fail maintenance
// policies.
//
// The teacher (STX5-dht's routingTable package) keeps an uncompressed binary
// trie with no buckets, no candidates, and no eviction policy at all — it
// inserts every node it ever hears from and never evicts. This package
// replaces that algorithm with the bucket/candidate/eviction semantics
// described in original_source/src/bittorrent/routing_table.{h,cpp} and
// dht.cpp's routing_bucket_try_add_node/routing_bucket_fail_node, while
// keeping the teacher's package shape: a Log hook, expvar counters, and
// ForEachBucket/FindClosest/FindBucket accessor names mirrored from
// routingTable/routing_table.go and routing.go.
package routing

import (
	"expvar"
	"net"
	"sort"
	"time"

	"ouinet/internal/logger"
	"ouinet/internal/nodeid"
)

// K is the maximum number of live nodes held in a single bucket.
const K = 8

// QuestionableTimeout is how long a node may go without activity before it
// is considered questionable.
const QuestionableTimeout = 15 * time.Minute

// treeBase makes buckets split along every 5th depth even outside the
// exhaustive region, turning the binary trie into an effective 2^5-ary tree.
const treeBase = 5

// Contact pairs an endpoint with an optional node ID. An ID-less contact is
// a bootstrap seed and sorts last in proximity comparisons.
type Contact struct {
	ID       nodeid.ID
	HasID    bool
	Endpoint net.UDPAddr
}

func (c Contact) equal(o Contact) bool {
	return c.HasID == o.HasID && c.ID == o.ID && c.Endpoint.String() == o.Endpoint.String()
}

// Node is a contact tracked as a live routing-table member.
type Node struct {
	Contact       Contact
	LastActivity  time.Time
	QueriesFailed int
	PingOngoing   bool
}

// IsQuestionable reports whether the node has been silent for too long.
func (n Node) IsQuestionable() bool {
	return time.Since(n.LastActivity) > QuestionableTimeout
}

// IsBad reports whether the node has failed too many consecutive queries.
func (n Node) IsBad() bool {
	return n.QueriesFailed > 3
}

// Bucket holds up to K live nodes plus FIFO replacement-candidate queues.
type Bucket struct {
	Nodes                []Node
	VerifiedCandidates   []Node
	UnverifiedCandidates []Node
}

type treeNode struct {
	left, right *treeNode
	bucket      *Bucket
}

func newLeaf() *treeNode {
	return &treeNode{bucket: &Bucket{}}
}

// Table is the binary trie of bucket leaves rooted at the local node's ID.
type Table struct {
	localID nodeid.ID
	root    *treeNode
	Log     logger.DebugLogger
	onPing  PingFunc
}

// New creates an empty routing table for the given local node ID.
func New(localID nodeid.ID, log logger.DebugLogger) *Table {
	if log == nil {
		log = logger.NullLogger{}
	}
	return &Table{localID: localID, root: newLeaf(), Log: log}
}

// FindBucket walks the trie by bit index down to the leaf containing id. If
// allowSplit is set, it splits a full leaf when any of three conditions
// holds: the bucket's range contains the local ID, its depth is not a
// multiple of treeBase, or it descends from the exhaustive-region root.
func (t *Table) FindBucket(id nodeid.ID, allowSplit bool) *Bucket {
	node := t.root
	ancestors := map[*treeNode]bool{node: true}
	containsSelf := true
	depth := 0

	for node.bucket == nil {
		if id.Bit(depth) {
			node = node.right
		} else {
			node = node.left
		}
		if id.Bit(depth) != t.localID.Bit(depth) {
			containsSelf = false
		}
		depth++
		ancestors[node] = true
	}

	if !allowSplit {
		return node.bucket
	}

	for _, n := range node.bucket.Nodes {
		if n.Contact.HasID && n.Contact.ID == id {
			return node.bucket
		}
	}

	exhaustiveRoot := t.exhaustiveRegionRoot()

	for len(node.bucket.Nodes) == K && depth < nodeid.Len*8 {
		if !containsSelf && depth%treeBase == 0 && !ancestors[exhaustiveRoot] {
			break
		}

		left := newLeaf()
		right := newLeaf()
		for _, n := range node.bucket.Nodes {
			if n.Contact.ID.Bit(depth) {
				right.bucket.Nodes = append(right.bucket.Nodes, n)
			} else {
				left.bucket.Nodes = append(left.bucket.Nodes, n)
			}
		}
		node.bucket = nil
		node.left = left
		node.right = right

		if id.Bit(depth) {
			node = node.right
		} else {
			node = node.left
		}
		if t.localID.Bit(depth) != id.Bit(depth) {
			containsSelf = false
		}
		depth++
		ancestors[node] = true
	}

	return node.bucket
}

func countNodes(n *treeNode) int {
	if n.bucket != nil {
		return len(n.bucket.Nodes)
	}
	return countNodes(n.left) + countNodes(n.right)
}

// exhaustiveRegionRoot returns the deepest ancestor of the local ID that
// holds at least K contacts in its subtree; every bucket below it may
// always be split when full.
func (t *Table) exhaustiveRegionRoot() *treeNode {
	var path []*treeNode
	node := t.root
	depth := 0
	for node.bucket == nil {
		path = append(path, node)
		if t.localID.Bit(depth) {
			node = node.right
		} else {
			node = node.left
		}
		depth++
	}

	size := len(node.bucket.Nodes)
	for size < K && len(path) > 0 {
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		depth--
		if t.localID.Bit(depth) {
			size += countNodes(parent.left)
		} else {
			size += countNodes(parent.right)
		}
		node = parent
	}
	return node
}

// ForEachBucket visits every bucket leaf in the trie.
func (t *Table) ForEachBucket(visit func(*Bucket)) {
	t.forEachBucket(t.root, visit)
}

func (t *Table) forEachBucket(n *treeNode, visit func(*Bucket)) {
	if n.bucket != nil {
		visit(n.bucket)
		return
	}
	t.forEachBucket(n.left, visit)
	t.forEachBucket(n.right, visit)
}

// Size returns the total number of live nodes held across every bucket.
func (t *Table) Size() int {
	var n int
	t.ForEachBucket(func(b *Bucket) { n += len(b.Nodes) })
	return n
}

// FindClosest returns up to n live nodes ordered by XOR distance to target,
// then by endpoint string for ties.
func (t *Table) FindClosest(target nodeid.ID, n int) []Node {
	var all []Node
	t.ForEachBucket(func(b *Bucket) {
		all = append(all, b.Nodes...)
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Contact.ID == all[j].Contact.ID {
			return all[i].Contact.Endpoint.String() < all[j].Contact.Endpoint.String()
		}
		return nodeid.CloserTo(target, all[i].Contact.ID, all[j].Contact.ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// TryAdd implements the insertion policy from spec.md §4.2.
func (t *Table) TryAdd(contact Contact, isVerified bool) {
	if !contact.HasID {
		return
	}
	bucket := t.FindBucket(contact.ID, true)

	for i := range bucket.Nodes {
		if bucket.Nodes[i].Contact.equal(contact) {
			n := bucket.Nodes[i]
			n.LastActivity = time.Now()
			if isVerified {
				n.QueriesFailed = 0
				n.PingOngoing = false
			}
			bucket.Nodes = append(bucket.Nodes[:i], bucket.Nodes[i+1:]...)
			bucket.Nodes = append(bucket.Nodes, n)
			return
		}
	}

	bucket.VerifiedCandidates = removeCandidate(bucket.VerifiedCandidates, contact)
	bucket.UnverifiedCandidates = removeCandidate(bucket.UnverifiedCandidates, contact)

	if len(bucket.Nodes) < K {
		if isVerified {
			bucket.Nodes = append(bucket.Nodes, Node{Contact: contact, LastActivity: time.Now()})
			totalNodesAdded.Add(1)
		} else {
			t.pingFn(contact)
		}
		return
	}

	for i := range bucket.Nodes {
		if bucket.Nodes[i].IsBad() {
			if isVerified {
				bucket.Nodes = append(bucket.Nodes[:i], bucket.Nodes[i+1:]...)
				bucket.Nodes = append(bucket.Nodes, Node{Contact: contact, LastActivity: time.Now()})
				totalNodesReplaced.Add(1)
			} else {
				t.pingFn(contact)
			}
			return
		}
	}

	questionable := 0
	for i := range bucket.Nodes {
		if bucket.Nodes[i].IsQuestionable() {
			questionable++
			if !bucket.Nodes[i].PingOngoing {
				t.pingFn(bucket.Nodes[i].Contact)
				bucket.Nodes[i].PingOngoing = true
			}
		}
	}

	candidate := Node{Contact: contact, LastActivity: time.Now()}
	if isVerified {
		if questionable > 0 {
			bucket.VerifiedCandidates = append(bucket.VerifiedCandidates, candidate)
		}
	} else {
		for len(bucket.VerifiedCandidates) > 0 && bucket.VerifiedCandidates[0].IsQuestionable() {
			bucket.VerifiedCandidates = bucket.VerifiedCandidates[1:]
		}
		if len(bucket.VerifiedCandidates) < questionable {
			bucket.UnverifiedCandidates = append(bucket.UnverifiedCandidates, candidate)
		}
	}
	for len(bucket.VerifiedCandidates) > questionable {
		bucket.VerifiedCandidates = bucket.VerifiedCandidates[1:]
	}
	for len(bucket.VerifiedCandidates)+len(bucket.UnverifiedCandidates) > questionable {
		bucket.UnverifiedCandidates = bucket.UnverifiedCandidates[1:]
	}
}

// Fail implements the failure policy from spec.md §4.2.
func (t *Table) Fail(contact Contact) {
	if !contact.HasID {
		return
	}
	bucket := t.FindBucket(contact.ID, false)
	if bucket == nil {
		return
	}

	idx := -1
	for i := range bucket.Nodes {
		if bucket.Nodes[i].Contact.equal(contact) {
			idx = i
		}
	}
	if idx == -1 {
		return
	}

	bucket.Nodes[idx].QueriesFailed++
	if !bucket.Nodes[idx].IsBad() {
		if bucket.Nodes[idx].IsQuestionable() {
			bucket.Nodes[idx].PingOngoing = true
			t.pingFn(contact)
		}
		return
	}

	for len(bucket.VerifiedCandidates) > 0 && bucket.VerifiedCandidates[0].IsQuestionable() {
		bucket.VerifiedCandidates = bucket.VerifiedCandidates[1:]
	}
	for len(bucket.UnverifiedCandidates) > 0 && bucket.UnverifiedCandidates[0].IsQuestionable() {
		bucket.UnverifiedCandidates = bucket.UnverifiedCandidates[1:]
	}

	if len(bucket.VerifiedCandidates) > 0 {
		bucket.Nodes = append(bucket.Nodes[:idx], bucket.Nodes[idx+1:]...)
		promoted := Node{
			Contact:      bucket.VerifiedCandidates[0].Contact,
			LastActivity: bucket.VerifiedCandidates[0].LastActivity,
		}
		bucket.VerifiedCandidates = bucket.VerifiedCandidates[1:]

		inserted := false
		for i := range bucket.Nodes {
			if bucket.Nodes[i].LastActivity.After(promoted.LastActivity) {
				bucket.Nodes = append(bucket.Nodes, Node{})
				copy(bucket.Nodes[i+1:], bucket.Nodes[i:])
				bucket.Nodes[i] = promoted
				inserted = true
				break
			}
		}
		if !inserted {
			bucket.Nodes = append(bucket.Nodes, promoted)
		}
		totalNodesPromoted.Add(1)
	} else if len(bucket.UnverifiedCandidates) > 0 {
		c := bucket.UnverifiedCandidates[0].Contact
		bucket.UnverifiedCandidates = bucket.UnverifiedCandidates[1:]
		t.pingFn(c)
	}

	questionable := 0
	for i := range bucket.Nodes {
		if bucket.Nodes[i].IsQuestionable() {
			questionable++
		}
	}
	for len(bucket.VerifiedCandidates) > questionable {
		bucket.VerifiedCandidates = bucket.VerifiedCandidates[1:]
	}
	for len(bucket.VerifiedCandidates)+len(bucket.UnverifiedCandidates) > questionable {
		bucket.UnverifiedCandidates = bucket.UnverifiedCandidates[1:]
	}
}

func removeCandidate(list []Node, contact Contact) []Node {
	for i := range list {
		if list[i].Contact.equal(contact) {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// PingFunc is invoked by TryAdd/Fail whenever the policy decides a contact
// needs to be pinged before it can be trusted. The DHT node sets this via
// SetPingFunc at startup; outside of tests it is never nil.
type PingFunc func(Contact)

func (t *Table) pingFn(c Contact) {
	if t.onPing != nil {
		t.onPing(c)
	}
}

// SetPingFunc registers the callback TryAdd/Fail use to request a ping.
func (t *Table) SetPingFunc(f PingFunc) {
	t.onPing = f
}

var (
	totalNodesAdded    = expvar.NewInt("routing.totalNodesAdded")
	totalNodesReplaced = expvar.NewInt("routing.totalNodesReplaced")
	totalNodesPromoted = expvar.NewInt("routing.totalNodesPromoted")
)
