package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/elmops/elm/internal/proto"
)

const (
	quicALPN             = "elm-quic"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	helloTimeout         = 5 * time.Second
	streamWriteTimeout   = 5 * time.Second
	closeLinger          = 200 * time.Millisecond
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate. Peer identity is
// established by the signed key exchange above this layer, so the TLS
// certificate only has to provide encryption.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("elm-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicALPN},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type QUICOptions struct {
	Options
	// Addr is the listen address of a host or the dial address of a
	// follower.
	Addr string
	// Insecure skips certificate verification on the follower.
	Insecure           bool
	MaxConnsPerIP      int
	MaxHandshakesPerIP int
}

// QUICTransport carries frames over one long-lived bidirectional QUIC
// stream per peer, each frame length-prefixed.
type QUICTransport struct {
	*core
	qopts   QUICOptions
	limiter *ipLimiter

	lmu      sync.Mutex
	listener *quic.Listener
	cancel   context.CancelFunc
}

func NewQUICHost(opts QUICOptions) *QUICTransport {
	return &QUICTransport{
		core:    newCore(RoleHost, opts.Options),
		qopts:   opts,
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxHandshakesPerIP),
	}
}

func NewQUICFollower(opts QUICOptions) *QUICTransport {
	return &QUICTransport{
		core:    newCore(RoleFollower, opts.Options),
		qopts:   opts,
		limiter: newIPLimiter(0, 0),
	}
}

// Addr is the bound listen address once a host is connected.
func (t *QUICTransport) Addr() string {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.qopts.Addr
}

func (t *QUICTransport) Connect(ctx context.Context) error {
	return t.connect(ctx, func(ctx context.Context) error {
		if t.role == RoleHost {
			return t.listen()
		}
		return t.dial(ctx)
	})
}

func (t *QUICTransport) listen() error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(t.qopts.Addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", t.qopts.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.lmu.Lock()
	t.listener = ln
	t.cancel = cancel
	t.lmu.Unlock()
	t.logger.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	go t.acceptLoop(ctx, ln)
	return nil
}

func (t *QUICTransport) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		go t.serveConn(ctx, conn)
	}
}

func (t *QUICTransport) serveConn(ctx context.Context, conn *quic.Conn) {
	ip := addrIP(conn.RemoteAddr())
	if !t.limiter.conns.acquire(ip) {
		t.logger.Warn("quic connection refused: per-ip cap", zap.String("ip", ip))
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer t.limiter.conns.release(ip)

	peer, l, err := t.acceptHello(ctx, conn, ip)
	if err != nil {
		t.logger.Warn("quic hello failed", zap.String("ip", ip), zap.Error(err))
		_ = conn.CloseWithError(2, "hello failed")
		return
	}
	t.attach(peer, l)
	t.readLoop(peer, l)
}

func (t *QUICTransport) acceptHello(ctx context.Context, conn *quic.Conn, ip string) (string, *quicLink, error) {
	if !t.limiter.handshakes.acquire(ip) {
		return "", nil, fmt.Errorf("too many handshakes from %s", ip)
	}
	defer t.limiter.handshakes.release(ip)

	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return "", nil, err
	}
	_ = stream.SetReadDeadline(time.Now().Add(helloTimeout))
	data, err := proto.ReadFrame(stream)
	if err != nil {
		return "", nil, err
	}
	peer, err := parseHello(data)
	if err != nil {
		return "", nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	l := &quicLink{conn: conn, stream: stream}
	if err := l.write(hctx, controlFrame(ctlHello, t.LocalID())); err != nil {
		return "", nil, err
	}
	return peer, l, nil
}

func (t *QUICTransport) dial(ctx context.Context) error {
	dctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	tlsConf, err := clientTLSConfig(t.qopts.Insecure)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(dctx, t.qopts.Addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", t.qopts.Addr, err)
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return fmt.Errorf("quic open stream: %w", err)
	}
	l := &quicLink{conn: conn, stream: stream}
	if err := l.write(dctx, controlFrame(ctlHello, t.LocalID())); err != nil {
		_ = l.close()
		return fmt.Errorf("quic hello: %w", err)
	}
	if dl, ok := dctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	data, err := proto.ReadFrame(stream)
	if err != nil {
		_ = l.close()
		return fmt.Errorf("quic hello reply: %w", err)
	}
	hostID, err := parseHello(data)
	if err != nil {
		_ = l.close()
		return err
	}
	_ = stream.SetReadDeadline(time.Time{})
	t.attach(hostID, l)
	go t.readLoop(hostID, l)
	return nil
}

func (t *QUICTransport) readLoop(peer string, l *quicLink) {
	for {
		data, err := proto.ReadFrameCapped(l.stream, proto.CapForType)
		if err != nil {
			if !l.closed.Load() {
				t.logger.Debug("quic read ended", zap.String("peer", peer), zap.Error(err))
			}
			t.detach(peer, l, PeerLost)
			return
		}
		t.receive(peer, l, data)
	}
}

func (t *QUICTransport) Disconnect() error {
	err := t.core.Disconnect()
	t.lmu.Lock()
	ln, cancel := t.listener, t.cancel
	t.listener, t.cancel = nil, nil
	t.lmu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	return err
}

type quicLink struct {
	conn   *quic.Conn
	stream *quic.Stream
	wmu    sync.Mutex
	closed atomic.Bool
}

func (l *quicLink) write(ctx context.Context, data []byte) error {
	if l.closed.Load() {
		return errNotOpen
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	deadline := time.Now().Add(streamWriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = l.stream.SetWriteDeadline(deadline)
	return proto.WriteFrame(l.stream, data)
}

func (l *quicLink) close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.stream.Close()
	// Let a pending goodbye drain before the close frame.
	t := time.NewTimer(closeLinger)
	defer t.Stop()
	select {
	case <-l.conn.Context().Done():
	case <-t.C:
	}
	return l.conn.CloseWithError(0, "closed")
}
