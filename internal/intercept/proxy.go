package intercept

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CertIssuer mints leaf certificates for intercepted hosts.
type CertIssuer interface {
	IssueLeaf(host string) (*tls.Certificate, error)
}

// RawSink receives the serialized head of each relayed request. Admission may
// be refused under backpressure; the serving path never waits on it.
type RawSink interface {
	Export(chunk []byte) bool
}

const tlsRecordHandshake = 0x16

// Proxy terminates redirected client connections, impersonates the intended
// server with a minted certificate, and relays requests upstream. Each
// completed exchange is handed to the hook.
type Proxy struct {
	port   int
	issuer CertIssuer
	hook   *Hook
	pub    Publisher
	logger *zap.Logger

	raw       RawSink
	ln        net.Listener
	transport *http.Transport
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.RWMutex
	tlsByHost map[string]*tls.ConnectionState
}

// NewProxy builds the interceptor on the given port.
func NewProxy(port int, issuer CertIssuer, hook *Hook, pub Publisher, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Proxy{
		port:      port,
		issuer:    issuer,
		hook:      hook,
		pub:       pub,
		logger:    logger,
		tlsByHost: make(map[string]*tls.ConnectionState),
	}
	p.transport = &http.Transport{
		DialTLSContext:        p.dialTLS,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       60 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return p
}

// SetRawSink attaches the capture export path. Call before Start.
func (p *Proxy) SetRawSink(sink RawSink) { p.raw = sink }

// Start binds the listener and begins accepting redirected connections.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
	if err != nil {
		return fmt.Errorf("bind interceptor port %d: %w", p.port, err)
	}
	p.ln = ln

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.acceptLoop(runCtx)

	p.logger.Info("interceptor listening", zap.Int("port", p.port))
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}
	p.transport.CloseIdleConnections()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Addr returns the bound listener address, for tests that use port 0.
func (p *Proxy) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(ctx, conn)
		}()
	}
}

// handleConn sniffs the first byte to distinguish a TLS ClientHello from
// plaintext HTTP and serves the connection accordingly.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return
	}

	peeked := &peekedConn{Conn: conn, r: br}
	if first[0] == tlsRecordHandshake {
		p.serveTLS(ctx, peeked)
		return
	}
	p.serveHTTP(ctx, peeked, "http", nil)
}

func (p *Proxy) serveTLS(ctx context.Context, conn net.Conn) {
	var sniHost string
	tlsConn := tls.Server(conn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			sniHost = hello.ServerName
			if sniHost == "" {
				host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
				sniHost = host
			}
			return p.issuer.IssueLeaf(sniHost)
		},
	})
	if err := tlsConn.Handshake(); err != nil {
		// Pinned clients land here; surfaced as an event, never fatal.
		p.logger.Error("client handshake failed",
			zap.String("client", conn.RemoteAddr().String()),
			zap.String("sni", sniHost),
			zap.Error(err))
		if p.pub != nil {
			p.pub.Publish("tls_handshake_failed", map[string]any{
				"client_addr": conn.RemoteAddr().String(),
				"host":        sniHost,
				"error":       err.Error(),
			})
		}
		return
	}

	upstreamTLS := p.tlsStateFor(sniHost)
	p.serveHTTP(ctx, tlsConn, "https", func(host string) *tls.ConnectionState {
		if st := p.tlsStateFor(host); st != nil {
			return st
		}
		return upstreamTLS
	})
}

// serveHTTP reads requests off the connection, relays each upstream and
// reports the completed exchange to the hook.
func (p *Proxy) serveHTTP(ctx context.Context, conn net.Conn, scheme string, tlsLookup func(string) *tls.ConnectionState) {
	reader := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		started := time.Now()

		host := req.Host
		if host == "" {
			return
		}

		if p.raw != nil {
			if dump, dumpErr := httputil.DumpRequest(req, false); dumpErr == nil {
				p.raw.Export(dump)
			}
		}

		resp, err := p.relay(ctx, req, scheme, host)
		if err != nil {
			p.logger.Warn("upstream relay failed",
				zap.String("host", host), zap.Error(err))
			p.writeGatewayError(conn)
			return
		}

		respSize, writeErr := p.writeResponse(conn, resp)
		completed := time.Now()

		ex := &Exchange{
			ClientAddr:     conn.RemoteAddr().String(),
			Method:         req.Method,
			Scheme:         scheme,
			Host:           host,
			RequestURI:     req.URL.RequestURI(),
			RequestHeader:  req.Header,
			RequestSize:    req.ContentLength,
			StatusCode:     resp.StatusCode,
			ResponseHeader: resp.Header,
			ResponseSize:   respSize,
			Started:        started,
			Completed:      completed,
		}
		if scheme == "https" && tlsLookup != nil {
			ex.TLSState = tlsLookup(host)
		}
		p.hook.OnExchange(ex)

		if writeErr != nil || req.Close || resp.Close {
			return
		}
	}
}

// relay forwards the request to the real origin over a fresh outbound
// request.
func (p *Proxy) relay(ctx context.Context, req *http.Request, scheme, host string) (*http.Response, error) {
	outURL := *req.URL
	outURL.Scheme = scheme
	outURL.Host = host

	out, err := http.NewRequestWithContext(ctx, req.Method, outURL.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	out.Header.Del("Connection")
	out.Host = req.Host

	if scheme == "https" {
		return p.transport.RoundTrip(out)
	}
	return http.DefaultTransport.RoundTrip(out)
}

func (p *Proxy) writeResponse(conn net.Conn, resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	if err := resp.Write(conn); err != nil {
		return 0, err
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	return 0, nil
}

func (p *Proxy) writeGatewayError(conn net.Conn) {
	body := "upstream unreachable\n"
	fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}

// dialTLS connects to the origin, records its connection state for TLS
// metadata extraction, and hands the socket to the transport.
func (p *Proxy) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host}}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*tls.Conn); ok {
		state := tc.ConnectionState()
		p.mu.Lock()
		p.tlsByHost[host] = &state
		p.mu.Unlock()
	}
	return conn, nil
}

func (p *Proxy) tlsStateFor(host string) *tls.ConnectionState {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tlsByHost[host]
}

// peekedConn replays bytes buffered during protocol sniffing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

var _ io.Reader = (*peekedConn)(nil)
