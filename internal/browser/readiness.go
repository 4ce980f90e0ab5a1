package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"agentbox/internal/metrics"
)

// Readiness probe budget.
const (
	DefaultReadinessAttempts = 50
	DefaultReadinessInterval = 100 * time.Millisecond
	readinessAttemptTimeout  = time.Second
)

// ReadinessConfig bounds the debug endpoint probe.
type ReadinessConfig struct {
	// Host is the address probed. Defaults to 127.0.0.1.
	Host     string
	Attempts int
	Interval time.Duration
	Metrics  *metrics.Metrics
}

// WaitForDebugEndpoint polls http://<host>:<port>/json/version until it
// answers 200 or the attempt budget runs out. The poll is bounded and has no
// cancellation; it returns an error only when the budget was exhausted.
func WaitForDebugEndpoint(port int, cfg ReadinessConfig) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultReadinessAttempts
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReadinessInterval
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Attempts - 1
	client.RetryWaitMin = cfg.Interval
	client.RetryWaitMax = cfg.Interval
	client.Backoff = func(wait, _ time.Duration, _ int, _ *http.Response) time.Duration { return wait }
	client.HTTPClient.Timeout = readinessAttemptTimeout
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, _ int) {
		cfg.Metrics.ReadinessAttempt()
	}
	client.CheckRetry = func(_ context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return true, nil
		}
		return resp.StatusCode != http.StatusOK, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	url := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(port)) + "/json/version"
	resp, err := client.Get(url)
	if err != nil {
		cfg.Metrics.SetBrowserReady(false)
		return fmt.Errorf("debug endpoint not ready after %d attempts: %w", cfg.Attempts, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cfg.Metrics.SetBrowserReady(false)
		return fmt.Errorf("debug endpoint not ready after %d attempts: status %d", cfg.Attempts, resp.StatusCode)
	}
	cfg.Metrics.SetBrowserReady(true)
	return nil
}
