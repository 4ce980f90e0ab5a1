// Command agentbox-browser is the entrypoint of the browser sandbox
// container. It brings up the virtual display, Chromium, the debug-protocol
// proxy and the optional web viewer, then exits as soon as any of them does.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentbox/internal/browser"
	"agentbox/internal/logging"
	"agentbox/internal/metrics"
	"agentbox/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(runBrowser).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentbox-browser: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// runFunc runs the browser with the final settings.
type runFunc func(ctx context.Context, s browser.Settings) error

func newRootCmd(run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentbox-browser",
		Short: "Run a browser sandbox instance",
		Long: `agentbox-browser - browser sandbox container entrypoint

Settings are read from AGENTBOX_BROWSER_* environment variables.
Flags override the environment.`,
		Version:       version.String(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := browser.ReadSettingsEnv()
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &s); err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), s)
		},
	}

	defaults := browser.DefaultSettings()
	f := cmd.Flags()
	f.Int("cdp-port", defaults.CDPPort, "Debug-protocol port exposed by the proxy")
	f.String("cdp-source-range", "", "CIDR allowed to reach the debug-protocol port")
	f.Int("vnc-port", defaults.VNCPort, "Loopback VNC server port")
	f.Int("novnc-port", defaults.NoVNCPort, "Web viewer port")
	f.Bool("enable-novnc", defaults.EnableNoVNC, "Run the VNC server and web viewer")
	f.Bool("headless", defaults.Headless, "Run Chromium headless")
	f.Bool("no-sandbox", defaults.NoSandbox, "Disable the Chromium sandbox")
	f.String("novnc-password", "", "Viewer password (at most 8 characters)")
	f.String("screen-resolution", defaults.ScreenResolution, "Virtual display size WIDTHxHEIGHT[xDEPTH], depth defaults to 24")
	f.String("home-dir", defaults.HomeDir, "Home directory holding the browser profile")
	f.Int("display", defaults.DisplayNum, "X display number")
	f.String("novnc-web-root", defaults.NoVNCWebRoot, "Directory with the web viewer client")
	f.String("chrome-bin", defaults.ChromeBin, "Chromium binary")
	f.String("log-dir", "", "Directory for rotated component logs")
	f.String("metrics-addr", "", "Address to serve Prometheus metrics on")

	cmd.SetVersionTemplate("agentbox-browser {{.Version}}\n")

	return cmd
}

// applyFlags copies every flag set on the command line into s.
func applyFlags(cmd *cobra.Command, s *browser.Settings) error {
	f := cmd.Flags()
	ints := map[string]*int{
		"cdp-port":   &s.CDPPort,
		"vnc-port":   &s.VNCPort,
		"novnc-port": &s.NoVNCPort,
		"display":    &s.DisplayNum,
	}
	bools := map[string]*bool{
		"enable-novnc": &s.EnableNoVNC,
		"headless":     &s.Headless,
		"no-sandbox":   &s.NoSandbox,
	}
	strs := map[string]*string{
		"cdp-source-range":  &s.CDPSourceRange,
		"novnc-password":    &s.NoVNCPassword,
		"screen-resolution": &s.ScreenResolution,
		"home-dir":          &s.HomeDir,
		"novnc-web-root":    &s.NoVNCWebRoot,
		"chrome-bin":        &s.ChromeBin,
		"log-dir":           &s.LogDir,
		"metrics-addr":      &s.MetricsAddr,
	}

	var err error
	for name, p := range ints {
		if f.Changed(name) {
			*p, err = f.GetInt(name)
			if err != nil {
				return err
			}
		}
	}
	for name, p := range bools {
		if f.Changed(name) {
			*p, err = f.GetBool(name)
			if err != nil {
				return err
			}
		}
	}
	for name, p := range strs {
		if f.Changed(name) {
			*p, err = f.GetString(name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func runBrowser(ctx context.Context, s browser.Settings) error {
	logs, err := logging.NewDispatcherWithConfig(logging.DispatcherConfig{
		LogDir:  s.LogDir,
		Console: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()
	log := logs.Logger("main")

	m := metrics.New()
	if s.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              s.MetricsAddr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Infof("serving metrics on %s", s.MetricsAddr)
	}

	log.Infof("agentbox-browser %s starting (cdp %d, viewer %v)", version.String(), s.CDPPort, s.ViewerEnabled())

	err = browser.New(s, browser.WithLogs(logs), browser.WithMetrics(m)).Run(ctx)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	log.Infof("stopped")
	return nil
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
