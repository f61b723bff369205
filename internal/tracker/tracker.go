// Package tracker implements the peer tracker: the per-infohash set of
// announced peers together with the rotating announce token. It
// generalizes the teacher's peer.PeerStore (an lru.Cache of per-infohash
// contact rings) to add the 30-minute peer expiry and HMAC-style token
// rotation that spec.md requires and that STX5-dht's KillContact/Alive
// liveness bits only partially cover; token rotation itself is ported
// directly from dht.go's hostToken/checkToken/tokenSecrets.
package tracker

import (
	"container/ring"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// MaxPeersPerInfoHash bounds how many peers next() ever returns in one
// call, mirroring the teacher's util.KNodes-sized contact batches.
const MaxPeersPerInfoHash = 8

// PeerExpiry is how long an announced peer is kept without a re-announce.
const PeerExpiry = 30 * time.Minute

// TokenEpoch is how often the announce token secret rotates. A token
// remains valid for two rotations (the current and the immediately prior
// secret), giving callers up to 2*TokenEpoch to use a token they were
// handed.
const TokenEpoch = 5 * time.Minute

type peerEntry struct {
	addr     string // dotted-port binary contact, as stored by announce_peer
	lastSeen time.Time
}

type peerSet struct {
	mu      sync.Mutex
	entries map[string]*peerEntry
	ring    *ring.Ring
}

func newPeerSet() *peerSet {
	return &peerSet{entries: make(map[string]*peerEntry)}
}

func (p *peerSet) put(addr string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[addr]; ok {
		e.lastSeen = now
		return false
	}
	p.entries[addr] = &peerEntry{addr: addr, lastSeen: now}
	r := &ring.Ring{Value: addr}
	if p.ring == nil {
		p.ring = r
	} else {
		p.ring.Link(r)
	}
	return true
}

func (p *peerSet) expire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, e := range p.entries {
		if now.Sub(e.lastSeen) > PeerExpiry {
			delete(p.entries, addr)
			p.unlink(addr)
		}
	}
}

// unlink removes addr from the ring. Caller holds p.mu.
func (p *peerSet) unlink(addr string) {
	if p.ring == nil {
		return
	}
	n := p.ring.Len()
	for i := 0; i < n; i++ {
		if p.ring.Value.(string) == addr {
			if n == 1 {
				p.ring = nil
			} else {
				p.ring = p.ring.Prev()
				p.ring.Unlink(1)
			}
			return
		}
		p.ring = p.ring.Next()
	}
}

// next returns up to MaxPeersPerInfoHash live contacts, rotating the
// starting point on each call so repeated calls surface different peers.
func (p *peerSet) next() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := MaxPeersPerInfoHash
	if count > len(p.entries) {
		count = len(p.entries)
	}
	if count == 0 || p.ring == nil {
		return nil
	}
	out := make([]string, 0, count)
	seen := make(map[string]bool)
	n := p.ring.Len()
	for i := 0; i < n && len(out) < count; i++ {
		p.ring = p.ring.Next()
		addr := p.ring.Value.(string)
		if seen[addr] {
			continue
		}
		if _, ok := p.entries[addr]; !ok {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func (p *peerSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Tracker maps infohashes to their announced peer sets and issues/verifies
// the rotating announce token.
type Tracker struct {
	mu     sync.Mutex
	cache  *lru.Cache // infohash string -> *peerSet
	shadow map[string]struct{}

	secretMu sync.Mutex
	secrets  [2]string // secrets[0] current, secrets[1] previous

	now func() time.Time
}

// New creates a Tracker holding up to maxInfoHashes peer sets, evicting the
// least recently used infohash once that limit is exceeded.
func New(maxInfoHashes int) *Tracker {
	t := &Tracker{
		cache:  lru.New(maxInfoHashes),
		shadow: make(map[string]struct{}),
		now:    time.Now,
	}
	// cache.Add is only ever called from setFor, which already holds t.mu,
	// and Add is the only path that can trigger an eviction; OnEvicted must
	// not re-lock t.mu here or it would deadlock against that caller.
	t.cache.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(t.shadow, key.(string))
	}
	t.secrets[0] = newSecret()
	t.secrets[1] = newSecret()
	return t
}

func newSecret() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// time-derived secret rather than panicking the tracker.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}

// RotateSecret retires the current secret and generates a new one. Tokens
// issued under the secret two rotations ago stop verifying.
func (t *Tracker) RotateSecret() {
	t.secretMu.Lock()
	defer t.secretMu.Unlock()
	t.secrets = [2]string{newSecret(), t.secrets[0]}
}

// IssueToken returns the announce token a peer at addr should present back
// to announce_peer.
func (t *Tracker) IssueToken(addr net.UDPAddr) string {
	t.secretMu.Lock()
	secret := t.secrets[0]
	t.secretMu.Unlock()
	return hostToken(addr, secret)
}

// VerifyToken reports whether token was issued to addr within the last two
// rotation epochs.
func (t *Tracker) VerifyToken(addr net.UDPAddr, token string) bool {
	t.secretMu.Lock()
	secrets := t.secrets
	t.secretMu.Unlock()
	for _, secret := range secrets {
		if hostToken(addr, secret) == token {
			return true
		}
	}
	return false
}

// hostToken keys SHA1 by the rotating secret instead of the teacher's plain
// concatenation, so a token cannot be forged without knowing the secret.
func hostToken(addr net.UDPAddr, secret string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(addr.String()))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (t *Tracker) setFor(infoHash string) *peerSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache.Get(infoHash); ok {
		return v.(*peerSet)
	}
	ps := newPeerSet()
	t.cache.Add(infoHash, ps)
	t.shadow[infoHash] = struct{}{}
	return ps
}

// AddPeer records contact (a binary-packed IP:port, as produced by
// netutil.EncodeEndpoint) as a peer for infoHash.
func (t *Tracker) AddPeer(infoHash string, contact string) bool {
	ps := t.setFor(infoHash)
	return ps.put(contact, t.now())
}

// ListPeers returns up to MaxPeersPerInfoHash contacts known for infoHash.
func (t *Tracker) ListPeers(infoHash string) []string {
	t.mu.Lock()
	v, ok := t.cache.Get(infoHash)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return v.(*peerSet).next()
}

// Count returns the number of peers currently tracked for infoHash.
func (t *Tracker) Count(infoHash string) int {
	t.mu.Lock()
	v, ok := t.cache.Get(infoHash)
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return v.(*peerSet).size()
}

// ExpireAll sweeps every tracked infohash and drops peers not seen within
// PeerExpiry. Intended to be called from a periodic ticker.
func (t *Tracker) ExpireAll() {
	t.mu.Lock()
	sets := make([]*peerSet, 0, len(t.shadow))
	for key := range t.shadow {
		if v, ok := t.cache.Get(key); ok {
			sets = append(sets, v.(*peerSet))
		}
	}
	t.mu.Unlock()
	now := t.now()
	for _, ps := range sets {
		ps.expire(now)
	}
}
