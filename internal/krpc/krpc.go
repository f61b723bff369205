// Package krpc implements the KRPC message envelope (BEP 5's t/y/q/a/r/e
// fields) and the active-request table that matches replies back to
// outstanding queries. It generalizes the teacher's
// remoteNode/krpc.go QueryMessage/ReplyMessage/ResponseType trio — which
// assumed ASCII decimal transaction ids 0-255 per remote node
// (RemoteNode.LastQueryID) — into one process-wide monotonic allocator, and
// adds the generation-counter bookkeeping that lets a timed-out query's
// slot be reused without a later, stale reply resurrecting it.
package krpc

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"ouinet/internal/benc"
)

// Query is an outgoing or incoming query message ("y":"q").
type Query struct {
	T string                "t"
	Y string                "y"
	Q string                "q"
	A map[string]benc.Value "a"
}

// Reply is a successful response message ("y":"r").
type Reply struct {
	T string                "t"
	Y string                "y"
	R map[string]benc.Value "r"
}

// ErrorMsg is an error response message ("y":"e"), whose "e" field is a
// [code, message] pair per BEP 5.
type ErrorMsg struct {
	T string       "t"
	Y string       "y"
	E []benc.Value "e"
}

// Envelope is the generic, fully-decoded shape of any received datagram:
// enough to dispatch on Y/Q before committing to a specific typed struct.
type Envelope struct {
	T string                "t"
	Y string                "y"
	Q string                "q"
	A map[string]benc.Value "a"
	R map[string]benc.Value "r"
	E []benc.Value          "e"
}

// EncodeQuery bencodes a query message.
func EncodeQuery(transID string, method string, args map[string]benc.Value) ([]byte, error) {
	return benc.Encode(Query{T: transID, Y: "q", Q: method, A: args})
}

// EncodeReply bencodes a successful reply message.
func EncodeReply(transID string, r map[string]benc.Value) ([]byte, error) {
	return benc.Encode(Reply{T: transID, Y: "r", R: r})
}

// EncodeError bencodes an error reply.
func EncodeError(transID string, code int, message string) ([]byte, error) {
	return benc.Encode(ErrorMsg{T: transID, Y: "e", E: []benc.Value{int64(code), message}})
}

// Decode unmarshals a raw datagram into a generic Envelope.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	err := benc.Decode(b, &e)
	return e, err
}

// transactionCounter hands out process-wide monotonically increasing
// transaction ids. A single shared counter (rather than one per remote
// node, as the teacher keeps on RemoteNode.LastQueryID) lets the active
// request table key purely on transaction id without also needing the
// remote node's identity to disambiguate.
var transactionCounter uint32

// NewTransactionID allocates the next transaction id and renders it as a
// minimal little-endian byte string: as few bytes as needed to hold the
// value, and a single NUL byte for zero (never the empty string, which some
// clients reject as malformed).
func NewTransactionID() string {
	n := atomic.AddUint32(&transactionCounter, 1)
	return encodeTransactionID(n)
}

func encodeTransactionID(n uint32) string {
	if n == 0 {
		return "\x00"
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	end := 4
	for end > 1 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end])
}

// PendingQuery is one outstanding query awaiting a reply.
type PendingQuery struct {
	Method     string
	Generation uint64
	IssuedAt   time.Time
	// Extra carries caller-defined context (e.g. the infohash a get_peers
	// query was issued for) needed to interpret the eventual reply.
	Extra interface{}
}

// ActiveRequests tracks outstanding queries by transaction id. Per Open
// Question (a), a query's slot is released the instant its timer fires —
// not when (or if) a reply eventually shows up — so a reply that arrives
// late finds no slot and is dropped rather than resolved. Generation is a
// monotonic per-slot stamp, handed back by Issue and echoed by the caller
// to Timeout, guarding against the (practically unreachable, given
// the 32-bit monotonic id space) case where a transaction id has already
// been recycled by the time a very late packet shows up.
type ActiveRequests struct {
	mu         sync.Mutex
	slots      map[string]*slot
	generation uint64
}

type slot struct {
	query      PendingQuery
	generation uint64
}

// NewActiveRequests creates an empty active-request table.
func NewActiveRequests() *ActiveRequests {
	return &ActiveRequests{slots: make(map[string]*slot)}
}

// Issue records a newly sent query and returns the generation stamp the
// caller must echo back to Timeout for this specific query.
func (a *ActiveRequests) Issue(transID string, q PendingQuery) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	gen := a.generation
	q.Generation = gen
	a.slots[transID] = &slot{query: q, generation: gen}
	return gen
}

// Resolve removes and returns transID's pending query if it is still
// in-flight. The bool is false for an unknown transaction id, including one
// whose Timeout already fired and removed the slot.
func (a *ActiveRequests) Resolve(transID string) (PendingQuery, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[transID]
	if !ok {
		return PendingQuery{}, false
	}
	delete(a.slots, transID)
	return s.query, true
}

// Timeout releases transID's slot if it is still the one issued under
// generation, returning the query that timed out. A mismatched generation
// means the slot was already resolved or already timed out and reused;
// Timeout is then a no-op.
func (a *ActiveRequests) Timeout(transID string, generation uint64) (PendingQuery, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[transID]
	if !ok || s.generation != generation {
		return PendingQuery{}, false
	}
	delete(a.slots, transID)
	return s.query, true
}

// Len reports the number of queries currently in flight.
func (a *ActiveRequests) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
