// Package netutil supplies the compact binary encodings the DHT wire format
// uses for endpoints and node contacts (BEP 5 §"nodes"/"nodes6", §"values"),
// filling in the functionality the teacher's code calls through a
// "dht/nettools" import that was not present in the retrieved source tree
// (see DESIGN.md).
package netutil

import (
	"encoding/binary"
	"fmt"
	"net"

	"ouinet/internal/nodeid"
)

// EncodeEndpoint packs a UDP/TCP endpoint into its compact form: 4 or 16
// address bytes followed by a big-endian port.
func EncodeEndpoint(addr net.IP, port int) (string, error) {
	ip4 := addr.To4()
	if ip4 != nil {
		return packEndpoint(ip4, port), nil
	}
	ip6 := addr.To16()
	if ip6 != nil {
		return packEndpoint(ip6, port), nil
	}
	return "", fmt.Errorf("netutil: invalid IP address %v", addr)
}

func packEndpoint(ip net.IP, port int) string {
	buf := make([]byte, len(ip)+2)
	copy(buf, ip)
	binary.BigEndian.PutUint16(buf[len(ip):], uint16(port))
	return string(buf)
}

// DecodeEndpoint is the inverse of EncodeEndpoint; it infers v4 vs v6 from
// the input length (6 or 18 bytes).
func DecodeEndpoint(s string) (net.IP, int, error) {
	switch len(s) {
	case 6:
		ip := net.IP([]byte(s[:4]))
		port := binary.BigEndian.Uint16([]byte(s[4:6]))
		return ip, int(port), nil
	case 18:
		ip := net.IP([]byte(s[:16]))
		port := binary.BigEndian.Uint16([]byte(s[16:18]))
		return ip, int(port), nil
	default:
		return nil, 0, fmt.Errorf("netutil: compact endpoint has length %d, want 6 or 18", len(s))
	}
}

// DottedPortToBinary turns a "host:port" string into its compact binary
// contact form. It mirrors the teacher's util.BinaryToDottedPort /
// nettools.DottedPortToBinary helpers referenced from remoteNode and
// routingTable.
func DottedPortToBinary(hostPort string) string {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return ""
	}
	s, err := EncodeEndpoint(ip, port)
	if err != nil {
		return ""
	}
	return s
}

// BinaryToDottedPort is the inverse of DottedPortToBinary.
func BinaryToDottedPort(b string) string {
	ip, port, err := DecodeEndpoint(b)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
}

// Contact is a node identifier paired with its network endpoint, as carried
// in the "nodes"/"nodes6" compact lists.
type Contact struct {
	ID   nodeid.ID
	IP   net.IP
	Port int
}

// PackNodes concatenates id(20) || compact_endpoint for each contact, for
// embedding in a "nodes" or "nodes6" reply field.
func PackNodes(contacts []Contact) (string, error) {
	var out []byte
	for _, c := range contacts {
		ep, err := EncodeEndpoint(c.IP, c.Port)
		if err != nil {
			return "", err
		}
		out = append(out, c.ID[:]...)
		out = append(out, ep...)
	}
	return string(out), nil
}

// ParseNodes splits a "nodes" (v4, 26 bytes/contact) or "nodes6" (v6, 38
// bytes/contact) compact string back into individual contacts.
func ParseNodes(s string, v6 bool) ([]Contact, error) {
	contactLen := 26
	epLen := 6
	if v6 {
		contactLen = 38
		epLen = 18
	}
	if len(s)%contactLen != 0 {
		return nil, fmt.Errorf("netutil: nodes string length %d is not a multiple of %d", len(s), contactLen)
	}
	n := len(s) / contactLen
	contacts := make([]Contact, 0, n)
	for i := 0; i < len(s); i += contactLen {
		id, err := nodeid.FromBytestring(s[i : i+nodeid.Len])
		if err != nil {
			return nil, err
		}
		ip, port, err := DecodeEndpoint(s[i+nodeid.Len : i+nodeid.Len+epLen])
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, Contact{ID: id, IP: ip, Port: port})
	}
	return contacts, nil
}
