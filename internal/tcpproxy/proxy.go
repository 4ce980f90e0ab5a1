// Package tcpproxy forwards TCP connections byte for byte to a fixed target,
// optionally admitting only clients from one address range. It exposes the
// browser's loopback-only debug port on an external interface without
// interpreting the debug protocol.
package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentbox/internal/config"
	"agentbox/internal/metrics"
)

const (
	defaultDialTimeout = 5 * time.Second
	drainTimeout       = 5 * time.Second
)

// Logger is the logging surface the proxy needs.
// *logging.ComponentLogger satisfies it.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config configures a Proxy.
type Config struct {
	// ListenAddr is the external address, e.g. "0.0.0.0:9222".
	ListenAddr string
	// TargetAddr is the loopback target, e.g. "127.0.0.1:9223".
	TargetAddr string
	// AllowCIDR restricts clients to an address range. Empty admits all.
	AllowCIDR string
	// DialTimeout bounds the connect to TargetAddr.
	DialTimeout time.Duration

	Logger  Logger
	Metrics *metrics.Metrics
}

// Proxy is a byte-forwarding TCP proxy.
type Proxy struct {
	cfg   Config
	allow netip.Prefix

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New validates cfg and creates a Proxy.
func New(cfg Config) (*Proxy, error) {
	if cfg.ListenAddr == "" || cfg.TargetAddr == "" {
		return nil, fmt.Errorf("tcpproxy: listen and target addresses are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	p := &Proxy{cfg: cfg, conns: make(map[net.Conn]struct{})}
	if cfg.AllowCIDR != "" {
		prefix, err := config.ParseSourceRange(cfg.AllowCIDR)
		if err != nil {
			return nil, fmt.Errorf("tcpproxy: %w", err)
		}
		p.allow = prefix
	}
	return p, nil
}

// Start begins listening and forwarding in the background.
func (p *Proxy) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddr, err)
	}
	p.listener = listener
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.acceptLoop()

	p.infof("forwarding %s -> %s", listener.Addr(), p.cfg.TargetAddr)
	return nil
}

// Serve runs the proxy until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-p.ctx.Done()
	return p.Stop()
}

// Addr returns the listening address once started.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// forwarding goroutines to finish.
func (p *Proxy) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		_ = p.listener.Close()
	}

	p.mu.Lock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.errorf("failed to accept connection: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !p.admit(conn.RemoteAddr()) {
			p.cfg.Metrics.ProxyDenied()
			p.warnf("rejected connection from %s: outside %s", conn.RemoteAddr(), p.allow)
			_ = conn.Close()
			continue
		}

		p.wg.Add(1)
		go p.handleConnection(conn)
	}
}

// admit reports whether addr is inside the allow-list.
func (p *Proxy) admit(addr net.Addr) bool {
	if !p.allow.IsValid() {
		return true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	return p.allow.Contains(ap.Addr().Unmap())
}

func (p *Proxy) track(c net.Conn, add bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		if p.ctx.Err() != nil {
			// Stop already swept the set.
			_ = c.Close()
			return
		}
		p.conns[c] = struct{}{}
	} else {
		delete(p.conns, c)
	}
}

func (p *Proxy) handleConnection(client net.Conn) {
	defer p.wg.Done()
	defer func() { _ = client.Close() }()

	p.track(client, true)
	defer p.track(client, false)

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	target, err := dialer.DialContext(p.ctx, "tcp", p.cfg.TargetAddr)
	if err != nil {
		p.warnf("failed to connect to %s: %v", p.cfg.TargetAddr, err)
		return
	}
	defer func() { _ = target.Close() }()

	p.track(target, true)
	defer p.track(target, false)

	p.cfg.Metrics.ProxyConnOpened()
	defer p.cfg.Metrics.ProxyConnClosed()

	p.pipe(client, target)
}

// pipe copies both directions until each side reaches EOF. Each direction
// half-closes its destination when its source is exhausted.
func (p *Proxy) pipe(client, target net.Conn) {
	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(target, client)
		p.cfg.Metrics.AddProxyBytes(metrics.Upstream, n)
		closeWrite(target)
		if err != nil && !isConnectionClosed(err) {
			p.warnf("client->target copy error: %v", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		n, err := io.Copy(client, target)
		p.cfg.Metrics.AddProxyBytes(metrics.Downstream, n)
		closeWrite(client)
		if err != nil && !isConnectionClosed(err) {
			p.warnf("target->client copy error: %v", err)
			return err
		}
		return nil
	})

	// Errors are already logged
	_ = g.Wait()
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// isConnectionClosed returns true if the error indicates a closed connection.
func isConnectionClosed(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (p *Proxy) infof(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Infof(format, args...)
	}
}

func (p *Proxy) warnf(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Warnf(format, args...)
	}
}

func (p *Proxy) errorf(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Errorf(format, args...)
	}
}
