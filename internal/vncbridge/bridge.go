// Package vncbridge exposes a loopback RFB server to browser-based viewers.
// WebSocket clients are relayed to the RFB TCP port and everything else is
// served from a static client directory such as noVNC's web root.
package vncbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"agentbox/internal/metrics"
)

const (
	// Subprotocol is the websockify binary framing subprotocol.
	Subprotocol = "binary"

	defaultDialTimeout = 5 * time.Second
	shutdownTimeout    = 5 * time.Second
	readChunk          = 64 * 1024
)

// Logger is the logging surface the bridge needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Config configures a Bridge.
type Config struct {
	// ListenAddr is the external address, e.g. "0.0.0.0:6080".
	ListenAddr string
	// TargetAddr is the RFB server, e.g. "127.0.0.1:5900".
	TargetAddr string
	// WebRoot is the static viewer client directory. Empty disables
	// static serving.
	WebRoot string

	DialTimeout time.Duration
	Logger      Logger
	Metrics     *metrics.Metrics
}

// Bridge relays WebSocket viewer sessions to an RFB server.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader
	static   http.Handler

	mu       sync.Mutex
	sessions map[io.Closer]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.TargetAddr == "" {
		return nil, fmt.Errorf("vncbridge: target address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	b := &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Viewers are served from this origin or embedded elsewhere;
			// access is controlled by the RFB password.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  readChunk,
			WriteBufferSize: readChunk,
			Subprotocols:    []string{Subprotocol},
		},
		sessions: make(map[io.Closer]struct{}),
	}

	if cfg.WebRoot != "" {
		info, err := os.Stat(cfg.WebRoot)
		if err != nil {
			return nil, fmt.Errorf("vncbridge: web root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("vncbridge: web root %s is not a directory", cfg.WebRoot)
		}
		b.static = http.FileServer(http.Dir(cfg.WebRoot))
	}
	return b, nil
}

// Handler returns the HTTP handler serving viewers and the relay.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websockify", b.handleWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			b.handleWebSocket(w, r)
			return
		}
		if b.static == nil {
			http.NotFound(w, r)
			return
		}
		if r.URL.Path == "/" && b.hasFile("vnc.html") {
			http.Redirect(w, r, "/vnc.html", http.StatusFound)
			return
		}
		b.static.ServeHTTP(w, r)
	})
	return mux
}

// Serve listens on ListenAddr and blocks until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.ListenAddr, err)
	}

	server := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	b.infof("serving viewer on %s -> %s", listener.Addr(), b.cfg.TargetAddr)

	select {
	case err := <-errCh:
		b.closeSessions()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	b.closeSessions()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	dialer := net.Dialer{Timeout: b.cfg.DialTimeout}
	target, err := dialer.DialContext(r.Context(), "tcp", b.cfg.TargetAddr)
	if err != nil {
		b.warnf("failed to connect to RFB server %s: %v", b.cfg.TargetAddr, err)
		http.Error(w, "viewer backend unavailable", http.StatusBadGateway)
		return
	}

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		_ = target.Close()
		return
	}

	if !b.track(client, target) {
		_ = client.Close()
		_ = target.Close()
		return
	}
	defer b.untrack(client, target)

	b.cfg.Metrics.BridgeSessionOpened()
	defer b.cfg.Metrics.BridgeSessionClosed()
	b.infof("viewer session from %s", r.RemoteAddr)

	b.relay(client, target)
}

// relay copies WebSocket messages to the TCP stream and TCP reads to binary
// messages until either side ends, then closes both.
func (b *Bridge) relay(client *websocket.Conn, target net.Conn) {
	var g errgroup.Group

	g.Go(func() error {
		defer func() { _ = target.Close() }()
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return nil
			}
			if _, err := target.Write(data); err != nil {
				return err
			}
			b.cfg.Metrics.AddBridgeBytes(metrics.Upstream, int64(len(data)))
		}
	})

	g.Go(func() error {
		defer func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = client.Close()
		}()
		buf := make([]byte, readChunk)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				if werr := client.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return werr
				}
				b.cfg.Metrics.AddBridgeBytes(metrics.Downstream, int64(n))
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
		}
	})

	if err := g.Wait(); err != nil {
		b.warnf("viewer session ended: %v", err)
	}
}

func (b *Bridge) track(conns ...io.Closer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	for _, c := range conns {
		b.sessions[c] = struct{}{}
	}
	b.wg.Add(1)
	return true
}

func (b *Bridge) untrack(conns ...io.Closer) {
	b.mu.Lock()
	for _, c := range conns {
		delete(b.sessions, c)
	}
	b.mu.Unlock()
	b.wg.Done()
}

// closeSessions closes hijacked connections, which http.Server.Shutdown
// does not track, and waits for their relays to return.
func (b *Bridge) closeSessions() {
	b.mu.Lock()
	b.closed = true
	for c := range b.sessions {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) hasFile(name string) bool {
	info, err := os.Stat(filepath.Join(b.cfg.WebRoot, name))
	return err == nil && !info.IsDir()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (b *Bridge) infof(format string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Infof(format, args...)
	}
}

func (b *Bridge) warnf(format string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warnf(format, args...)
	}
}
