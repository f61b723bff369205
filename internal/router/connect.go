package router

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// serveConnect implements spec.md §4.6's CONNECT handling: open an
// injector channel, write the CONNECT request through it (signed if
// credentials exist), forward the response back to the client, and on a
// 2xx status enter the full-duplex relay described in
// original_source/src/full_duplex_forward.h.
func (rt *Router) serveConnect(w http.ResponseWriter, r *http.Request) {
	if rt.Transport == nil {
		writeResourceError(w, r, fmt.Errorf("router: CONNECT forwarding is disabled (no transport configured)"))
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeResourceError(w, r, fmt.Errorf("router: connection does not support hijacking"))
		return
	}

	upstream, err := rt.Transport.Connect(r.Context())
	if err != nil {
		writeResourceError(w, r, fmt.Errorf("router: injector connect: %w", err))
		return
	}

	out := r.Clone(r.Context())
	if rt.Credentials != nil {
		if cred := rt.Credentials(rt.Transport.RemoteEndpoint()); cred != "" {
			out.Header.Set("Authorization", cred)
		}
	}
	if err := out.Write(upstream); err != nil {
		upstream.Close()
		writeResourceError(w, r, fmt.Errorf("router: injector write: %w", err))
		return
	}

	upstreamResp, err := http.ReadResponse(bufio.NewReader(upstream), out)
	if err != nil {
		upstream.Close()
		writeResourceError(w, r, fmt.Errorf("router: injector read: %w", err))
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if err := upstreamResp.Write(clientConn); err != nil {
		upstream.Close()
		clientConn.Close()
		return
	}
	if upstreamResp.Body != nil {
		upstreamResp.Body.Close()
	}

	if upstreamResp.StatusCode < 200 || upstreamResp.StatusCode >= 300 {
		upstream.Close()
		clientConn.Close()
		return
	}

	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		clientBuf.Read(buffered)
		upstream.Write(buffered)
	}

	fullDuplex(clientConn, upstream)
}

// fullDuplex relays bytes between c1 and c2 until either side reaches
// end-of-stream or errors, then closes both — the Go rendering of
// full_duplex_forward.h's two half_duplex pumps joined by a WaitCondition.
// Closing both connections as soon as the first pump returns (rather than
// waiting for both) is required: otherwise the still-running pump can sit
// blocked in Read forever on a connection the other side already gave up
// on.
func fullDuplex(c1, c2 io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			c1.Close()
			c2.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		halfDuplex(c1, c2)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		halfDuplex(c2, c1)
		closeBoth()
	}()
	wg.Wait()
}

func halfDuplex(dst io.Writer, src io.Reader) {
	buf := make([]byte, 2048)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
