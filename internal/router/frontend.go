package router

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"ouinet/internal/logger"
	"ouinet/internal/nodeid"
)

// DHTNode is the subset of *dhtnode.Node the front-end status page and
// admin surface need; kept as an interface so the responder is testable
// without a live UDP socket.
type DHTNode interface {
	LocalID() nodeid.ID
	NodeCount() int
	AddTrustedContact(id nodeid.ID, addr net.UDPAddr)
}

// FrontEnd is the embedded admin collaborator the front_end responder
// variant renders. It is the Go descendant of the teacher's
// RegistryPeerService/HTTPserver ServeHTTP switch, generalized to also
// serve the read-only status page client.cpp's try_serve_client_control
// renders for the "localhost" host.
type FrontEnd struct {
	Node             DHTNode
	CacheNamespace   string
	InjectorEndpoint string
	Log              logger.DebugLogger
}

func (f *FrontEnd) log() logger.DebugLogger { return noopLogger(f.Log) }

// ServeHTTP dispatches on method exactly like the teacher's
// RegistryPeerService: GET renders the status page, POST accepts a trusted
// peer to inject, anything else is StatusMethodNotAllowed.
func (f *FrontEnd) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f.serveStatus(w, r)
	case http.MethodPost:
		f.serveAddPeer(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *FrontEnd) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<body>\n")
	if f.Node != nil {
		fmt.Fprintf(w, "Node ID: %s<br>\n", f.Node.LocalID().Hex())
		fmt.Fprintf(w, "Routing table size: %d<br>\n", f.Node.NodeCount())
	}
	fmt.Fprintf(w, "Cache namespace: %s<br>\n", f.CacheNamespace)
	fmt.Fprintf(w, "Injector endpoint: %s<br>\n", f.InjectorEndpoint)
	fmt.Fprintf(w, "</body>\n</html>\n")
}

// trustedPeerRequest is the JSON body serveAddPeer accepts, analogous to the
// teacher's Registration struct posted to /update.
type trustedPeerRequest struct {
	NodeID   string `json:"node_id"`
	NodeAddr string `json:"node_addr"`
}

func (f *FrontEnd) serveAddPeer(w http.ResponseWriter, r *http.Request) {
	if f.Node == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req trustedPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.log().Errorf("router: add-peer decode failed: %s", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	raw, err := hex.DecodeString(req.NodeID)
	if err != nil || len(raw) != nodeid.Len {
		f.log().Errorf("router: add-peer bad node id %q", req.NodeID)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, err := nodeid.FromBytestring(string(raw))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	addr, err := net.ResolveUDPAddr("udp", req.NodeAddr)
	if err != nil {
		f.log().Errorf("router: add-peer bad address %q: %s", req.NodeAddr, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.Node.AddTrustedContact(id, *addr)
	w.WriteHeader(http.StatusOK)
}
