package netutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	quic "github.com/quic-go/quic-go"
	http3 "github.com/quic-go/quic-go/http3"
)

// BlobTransportOptions configures the optional QUIC transport used to
// serve /apps/{app_id}/blobs/{hash} over HTTP/3, for deployments where
// many clients fetch the same release concurrently and want to avoid
// TCP head-of-line blocking during staging.
type BlobTransportOptions struct {
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
	Enable0RTT      bool
}

// BlobTransport wraps an http3.Server's lifecycle: Start binds a UDP
// socket and serves in the background, Stop tears it down.
type BlobTransport struct {
	pc    net.PacketConn
	srv   *http3.Server
	close func() error
	errC  chan error
	addr  string
}

// NewBlobTransport creates a transport bound to addr, serving h over
// HTTP/3 with tlsCfg (normalized to TLS 1.3 + h3 ALPN; nil generates a
// bare QUIC-minimum config).
func NewBlobTransport(addr string, tlsCfg *tls.Config, h http.Handler, opts BlobTransportOptions) *BlobTransport {
	tlsCfg = normalizeTLS(tlsCfg)

	qc := &quic.Config{}
	if opts.MaxIdleTimeout > 0 {
		qc.MaxIdleTimeout = opts.MaxIdleTimeout
	}

	if opts.KeepAlivePeriod > 0 {
		qc.KeepAlivePeriod = opts.KeepAlivePeriod
	}

	if opts.Enable0RTT {
		qc.Allow0RTT = true
	}

	srv := &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: h, QUICConfig: qc}

	return &BlobTransport{srv: srv, addr: addr, errC: make(chan error, 1)}
}

// Start begins serving on an ephemeral UDP port if addr ends with ":0".
// Use the returned address to discover the actual bound port.
func (t *BlobTransport) Start() (string, error) {
	var err error

	t.pc, err = net.ListenPacket("udp", t.addr)
	if err != nil {
		return "", err
	}

	realAddr := t.pc.LocalAddr().String()
	done := make(chan struct{})

	go func() {
		if err := t.srv.Serve(t.pc); err != nil {
			select {
			case t.errC <- err:
			default:
			}
		}

		close(done)
	}()

	t.close = func() error {
		_ = t.pc.Close()

		select {
		case <-done:
		case <-time.After(time.Second):
		}

		return nil
	}

	return realAddr, nil
}

// Stop closes the transport's UDP socket and waits for Serve to return.
func (t *BlobTransport) Stop() error {
	if t.close != nil {
		return t.close()
	}

	return nil
}

// Error returns a non-blocking channel receiving the first Serve error,
// if any.
func (t *BlobTransport) Error() <-chan error {
	if t == nil || t.errC == nil {
		ch := make(chan error)
		close(ch)

		return ch
	}

	return t.errC
}

// BlobClient returns an http.Client that fetches blobs over HTTP/3,
// for a client willing to trade the extra QUIC handshake cost for
// better multiplexing when staging many small files in parallel.
func BlobClient(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: normalizeTLS(tlsCfg)}, Timeout: timeout}
}

// CloseBlobClient releases the QUIC connections held by a BlobClient.
func CloseBlobClient(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}
