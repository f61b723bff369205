// Package benc provides the bencoded value model used on the DHT wire, plus
// the BEP 44 immutable/mutable item construction and signing machinery that
// has no analogue in the teacher (STX5-dht implements no "get"/"put"
// extension at all); this package follows spec.md §3's byte-exact
// description of the mutable signature payload directly.
package benc

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
	"golang.org/x/crypto/ed25519"
)

// Value is any bencode-representable Go value: string, int64, []Value, or
// map[string]Value (aliases of the underlying bencode-go-compatible types).
type Value = interface{}

// Encode bencodes v into its canonical byte representation.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("benc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unmarshals a bencoded byte slice into dst, which should be a
// pointer as required by bencode-go.
func Decode(b []byte, dst Value) error {
	if err := bencode.Unmarshal(bytes.NewReader(b), dst); err != nil {
		return fmt.Errorf("benc: decode: %w", err)
	}
	return nil
}

// ImmutableKey computes the 160-bit storage key of an immutable item:
// SHA1(bencoded_value).
func ImmutableKey(v Value) ([20]byte, error) {
	enc, err := Encode(v)
	if err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(enc), nil
}

// MutableKey computes the 160-bit storage key of a mutable item:
// SHA1(public_key || salt).
func MutableKey(pubKey ed25519.PublicKey, salt []byte) [20]byte {
	h := sha1.New()
	h.Write(pubKey)
	h.Write(salt)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignaturePayload builds the exact byte concatenation that a mutable
// item's Ed25519 signature is computed over:
//
//	"4:salt" len(salt) ":" salt "3:seqi" seq "e1:v" bencoded_value
//
// the "salt" clause is omitted entirely when salt is empty, per spec.md §3.
func SignaturePayload(salt []byte, seq int64, v Value) ([]byte, error) {
	encodedValue, err := Encode(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if len(salt) > 0 {
		fmt.Fprintf(&buf, "4:salt%d:%s", len(salt), salt)
	}
	fmt.Fprintf(&buf, "3:seqi%de1:v%s", seq, encodedValue)
	return buf.Bytes(), nil
}

// SignMutable signs v under the given private key, salt and sequence
// number, returning the raw 64-byte Ed25519 signature.
func SignMutable(sk ed25519.PrivateKey, salt []byte, seq int64, v Value) ([]byte, error) {
	payload, err := SignaturePayload(salt, seq, v)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(sk, payload), nil
}

// VerifyMutable reports whether sig is a valid Ed25519 signature by pk over
// (salt, seq, v).
func VerifyMutable(pk ed25519.PublicKey, salt []byte, seq int64, v Value, sig []byte) (bool, error) {
	payload, err := SignaturePayload(salt, seq, v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pk, payload, sig), nil
}

// ImmutableItem is a value stored under ImmutableKey(V).
type ImmutableItem struct {
	V Value
}

// MutableItem is a value stored under MutableKey(PublicKey, Salt), along
// with the bookkeeping needed to validate and supersede it.
type MutableItem struct {
	PublicKey ed25519.PublicKey
	Salt      []byte
	Seq       int64
	V         Value
	Signature []byte
}

// NewMutableItem signs v and returns a ready-to-store MutableItem.
func NewMutableItem(sk ed25519.PrivateKey, salt []byte, seq int64, v Value) (MutableItem, error) {
	sig, err := SignMutable(sk, salt, seq, v)
	if err != nil {
		return MutableItem{}, err
	}
	pk := sk.Public().(ed25519.PublicKey)
	return MutableItem{
		PublicKey: pk,
		Salt:      salt,
		Seq:       seq,
		V:         v,
		Signature: sig,
	}, nil
}

// Verify reports whether the item's signature is valid for its own fields.
func (m MutableItem) Verify() (bool, error) {
	return VerifyMutable(m.PublicKey, m.Salt, m.Seq, m.V, m.Signature)
}

// Key returns the item's DHT storage key.
func (m MutableItem) Key() [20]byte {
	return MutableKey(m.PublicKey, m.Salt)
}
