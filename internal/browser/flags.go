package browser

import "strconv"

var (
	renderingFlags = []string{
		"--font-render-hinting=none",
		"--force-color-profile=srgb",
		"--hide-scrollbars",
	}

	quietFlags = []string{
		"--disable-background-networking",
		"--disable-breakpad",
		"--disable-crash-reporter",
		"--disable-component-update",
		"--disable-sync",
		"--metrics-recording-only",
		"--disable-features=TranslateUI,MediaRouter,OptimizationHints",
	}

	automationFlags = []string{
		"--no-default-browser-check",
		"--disable-prompt-on-repost",
		"--disable-hang-monitor",
		"--disable-popup-blocking",
		"--allow-running-insecure-content",
	}

	headlessFlags = []string{
		"--headless=new",
		"--disable-gpu",
	}

	noSandboxFlags = []string{
		"--no-sandbox",
		"--disable-setuid-sandbox",
	}
)

// ChromeArgs returns the Chromium command line for s with the debug protocol
// bound to 127.0.0.1:internalPort. The result is deterministic.
func ChromeArgs(s Settings, internalPort int) []string {
	args := []string{
		"--remote-debugging-address=127.0.0.1",
		"--remote-debugging-port=" + strconv.Itoa(internalPort),
		"--user-data-dir=" + s.ProfileDir(),
		"--no-first-run",
		"--disable-dev-shm-usage",
	}
	if res, err := s.Resolution(); err == nil {
		args = append(args, "--window-size="+strconv.Itoa(res.Width)+","+strconv.Itoa(res.Height))
	}
	args = append(args, renderingFlags...)
	args = append(args, quietFlags...)
	args = append(args, automationFlags...)
	if s.Headless {
		args = append(args, headlessFlags...)
	}
	if s.NoSandbox {
		args = append(args, noSandboxFlags...)
	}
	return append(args, "about:blank")
}
