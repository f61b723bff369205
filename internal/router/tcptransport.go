package router

import (
	"context"
	"net"
)

// TCPTransport dials the injector directly over TCP, the default transport
// every ouinet-client run falls back to absent a pluggable alternative (the
// choice of alternative transport is itself out of scope here; only the
// Transport seam is). Grounded on ouiservice/tcp.cpp's plain-TCP
// accept/connect shape, mirrored from the client's side of the connection.
type TCPTransport struct {
	Endpoint string
	Dialer   net.Dialer
}

// NewTCPTransport returns a TCPTransport that dials endpoint ("host:port").
func NewTCPTransport(endpoint string) *TCPTransport {
	return &TCPTransport{Endpoint: endpoint}
}

func (t *TCPTransport) Connect(ctx context.Context) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", t.Endpoint)
}

func (t *TCPTransport) RemoteEndpoint() string {
	return t.Endpoint
}
