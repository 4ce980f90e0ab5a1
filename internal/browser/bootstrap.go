package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"agentbox/internal/logging"
	"agentbox/internal/metrics"
	"agentbox/internal/supervisor"
	"agentbox/internal/tcpproxy"
	"agentbox/internal/vncbridge"
)

// Component names, used for logs, metrics and process output files.
const (
	ComponentXvfb      = "xvfb"
	ComponentChromium  = "chromium"
	ComponentCDPProxy  = "cdp-proxy"
	ComponentX11VNC    = "x11vnc"
	ComponentVNCBridge = "vnc-bridge"
)

const storePasswordTimeout = 10 * time.Second

// ExitError reports the supervised component whose exit ended the instance.
type ExitError struct {
	Component string
	Err       error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s exited", e.Component)
	}
	return fmt.Sprintf("%s exited: %v", e.Component, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogs routes component logs through d.
func WithLogs(d *logging.Dispatcher) Option {
	return func(b *Bootstrapper) { b.logs = d }
}

// WithMetrics records proxy, bridge, supervisor and readiness metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bootstrapper) { b.metrics = m }
}

// WithReadiness overrides the readiness probe budget.
func WithReadiness(attempts int, interval time.Duration) Option {
	return func(b *Bootstrapper) {
		b.readiness.Attempts = attempts
		b.readiness.Interval = interval
	}
}

// WithSocketDirs overrides the socket directories recreated on start.
func WithSocketDirs(dirs ...string) Option {
	return func(b *Bootstrapper) { b.socketDirs = dirs }
}

// WithListenHost overrides the interface the proxy and bridge listen on.
func WithListenHost(host string) Option {
	return func(b *Bootstrapper) { b.listenHost = host }
}

// Bootstrapper stands up one browser instance.
type Bootstrapper struct {
	settings   Settings
	logs       *logging.Dispatcher
	metrics    *metrics.Metrics
	readiness  ReadinessConfig
	socketDirs []string
	listenHost string

	log     *logging.ComponentLogger
	closers []io.Closer
}

// New creates a Bootstrapper for settings.
func New(settings Settings, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		settings:   settings,
		socketDirs: DefaultSocketDirs,
		listenHost: "0.0.0.0",
		readiness: ReadinessConfig{
			Attempts: DefaultReadinessAttempts,
			Interval: DefaultReadinessInterval,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.readiness.Metrics = b.metrics
	b.log = b.logs.Logger("bootstrap")
	return b
}

// Run starts every component in order and blocks until the first one exits
// or ctx ends. All components are stopped before Run returns. A component
// exit is reported as *ExitError; cancellation of ctx returns nil.
func (b *Bootstrapper) Run(ctx context.Context) error {
	s := b.settings
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid browser settings: %w", err)
	}
	res, err := s.Resolution()
	if err != nil {
		return err
	}

	for _, dir := range []string{s.HomeDir, s.ProfileDir(), s.ConfigDir(), s.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := Reconcile(ReconcileOptions{ProfileDir: s.ProfileDir(), SocketDirs: b.socketDirs}); err != nil {
		return fmt.Errorf("failed to reconcile instance state: %w", err)
	}

	defer b.closeOutputs()
	group := supervisor.New(
		supervisor.WithLogger(b.logs.Logger("supervisor")),
		supervisor.WithMetrics(b.metrics),
	)
	defer group.Stop()

	env := b.childEnv()

	xvfb := supervisor.NewProcess(ComponentXvfb, s.XvfbBin,
		s.Display(), "-screen", "0", res.String(), "-ac", "-nolisten", "tcp")
	if err := b.startProcess(group, xvfb, env); err != nil {
		return err
	}

	internalPort := InternalDebugPort(s.CDPPort)

	chromium := supervisor.NewProcess(ComponentChromium, s.ChromeBin, ChromeArgs(s, internalPort)...)
	if err := b.startProcess(group, chromium, env); err != nil {
		return err
	}

	if err := WaitForDebugEndpoint(internalPort, b.readiness); err != nil {
		b.logs.Logger("readiness").Warnf("continuing degraded: %v", err)
	} else {
		b.logs.Logger("readiness").Infof("debug endpoint ready on 127.0.0.1:%d", internalPort)
	}

	proxy, err := tcpproxy.New(tcpproxy.Config{
		ListenAddr: b.listenAddr(s.CDPPort),
		TargetAddr: loopback(internalPort),
		AllowCIDR:  s.CDPSourceRange,
		Logger:     b.logs.Logger(ComponentCDPProxy),
		Metrics:    b.metrics,
	})
	if err != nil {
		return err
	}
	if _, err := group.Start(supervisor.NewFunc(ComponentCDPProxy, proxy.Serve)); err != nil {
		return err
	}

	if s.ViewerEnabled() {
		if err := b.startViewer(ctx, group, env); err != nil {
			return err
		}
	}

	b.log.Infof("browser instance up: debug port %d", s.CDPPort)

	exit, err := group.Wait(ctx)
	if err != nil {
		b.log.Infof("shutting down: %v", err)
		return nil
	}
	b.log.Errorf("%s exited, tearing down instance", exit.Name)
	return &ExitError{Component: exit.Name, Err: exit.Err}
}

func (b *Bootstrapper) startViewer(ctx context.Context, group *supervisor.Group, env []string) error {
	s := b.settings

	password := ViewerPassword(s.NoVNCPassword)
	if s.NoVNCPassword == "" {
		b.log.Warnf("no viewer password supplied, generated one")
	}

	vncDir := filepath.Join(s.HomeDir, ".vnc")
	if err := os.MkdirAll(vncDir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", vncDir, err)
	}
	passwdFile := filepath.Join(vncDir, "passwd")
	if err := b.storePassword(ctx, password, passwdFile, env); err != nil {
		return err
	}

	x11vnc := supervisor.NewProcess(ComponentX11VNC, s.X11VNCBin,
		"-display", s.Display(),
		"-localhost",
		"-rfbport", strconv.Itoa(s.VNCPort),
		"-rfbauth", passwdFile,
		"-shared",
		"-forever",
	)
	if err := b.startProcess(group, x11vnc, env); err != nil {
		return err
	}

	webRoot := s.NoVNCWebRoot
	if info, err := os.Stat(webRoot); err != nil || !info.IsDir() {
		b.log.Warnf("viewer client directory %s not found, serving the bridge only", webRoot)
		webRoot = ""
	}
	bridge, err := vncbridge.New(vncbridge.Config{
		ListenAddr: b.listenAddr(s.NoVNCPort),
		TargetAddr: loopback(s.VNCPort),
		WebRoot:    webRoot,
		Logger:     b.logs.Logger(ComponentVNCBridge),
		Metrics:    b.metrics,
	})
	if err != nil {
		return err
	}
	_, err = group.Start(supervisor.NewFunc(ComponentVNCBridge, bridge.Serve))
	return err
}

// storePassword writes the RFB password file with x11vnc -storepasswd.
func (b *Bootstrapper) storePassword(ctx context.Context, password, path string, env []string) error {
	ctx, cancel := context.WithTimeout(ctx, storePasswordTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.settings.X11VNCBin, "-storepasswd", password, path)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to store viewer password: %w: %s", err, out)
	}
	return nil
}

func (b *Bootstrapper) startProcess(group *supervisor.Group, p *supervisor.Process, env []string) error {
	p.Env = env
	p.Dir = b.settings.HomeDir

	out, err := b.output(p.Name())
	if err != nil {
		return err
	}
	p.Stdout = out
	p.Stderr = out

	_, err = group.Start(p)
	return err
}

// output returns where a child's stdout and stderr go.
func (b *Bootstrapper) output(component string) (io.Writer, error) {
	if b.settings.LogDir == "" {
		return os.Stderr, nil
	}
	w, err := logging.ProcessOutput(b.settings.LogDir, component)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, w)
	return w, nil
}

func (b *Bootstrapper) closeOutputs() {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	b.closers = nil
	if err := errors.Join(errs...); err != nil {
		b.log.Warnf("failed to close process output: %v", err)
	}
}

// childEnv is the complete environment of every child process.
func (b *Bootstrapper) childEnv() []string {
	s := b.settings
	env := []string{
		"HOME=" + s.HomeDir,
		"XDG_CONFIG_HOME=" + s.ConfigDir(),
		"XDG_CACHE_HOME=" + s.CacheDir(),
		"DISPLAY=" + s.Display(),
	}
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	return env
}

func (b *Bootstrapper) listenAddr(port int) string {
	return net.JoinHostPort(b.listenHost, strconv.Itoa(port))
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
