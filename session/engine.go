package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/gatecrash/config"
)

// Engine owns the rendering process and mints browsing targets on it.
// Relaunch replaces a wedged process wholesale; existing targets die
// with it, which is why the pool discards sessions around a relaunch.
type Engine interface {
	NewTarget(ctx context.Context) (Target, error)
	Relaunch() error
	Close()
}

// RodEngine drives a locally launched headless Chromium over CDP.
type RodEngine struct {
	browserCfg config.BrowserConfig
	scrapeCfg  config.ScrapeConfig

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodEngine launches the browser process and connects to it.
func NewRodEngine(browserCfg config.BrowserConfig, scrapeCfg config.ScrapeConfig) (*RodEngine, error) {
	e := &RodEngine{browserCfg: browserCfg, scrapeCfg: scrapeCfg}
	l, b, err := launchBrowser(browserCfg)
	if err != nil {
		return nil, err
	}
	e.launcher, e.browser = l, b
	return e, nil
}

func launchBrowser(cfg config.BrowserConfig) (*launcher.Launcher, *rod.Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("connect to browser: %w", err)
	}
	return l, browser, nil
}

// NewTarget opens a fresh blank tab and instruments it. A target
// created moments before a Relaunch may fail; callers retry.
func (e *RodEngine) NewTarget(ctx context.Context) (Target, error) {
	e.mu.Lock()
	b := e.browser
	e.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	page, err := b.Context(createCtx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	// The page outlives the acquire context: rebind before the
	// instrumentation hooks subscribe their listeners.
	page = page.Context(context.Background())

	t, err := newRodTarget(page, e.scrapeCfg)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	return t, nil
}

// Relaunch kills the browser process and starts a fresh one. A wedged
// process may never answer a CDP close, so this goes straight to the
// process level.
func (e *RodEngine) Relaunch() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slog.Warn("engine relaunch: killing browser process")
	if e.launcher != nil {
		e.launcher.Kill()
	}

	l, b, err := launchBrowser(e.browserCfg)
	if err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	e.launcher, e.browser = l, b
	slog.Info("engine relaunch complete")
	return nil
}

// Close shuts the browser down. Call on graceful shutdown to prevent
// zombie Chrome processes.
func (e *RodEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			slog.Warn("engine close: browser close failed", "error", err)
		}
	}
	if e.launcher != nil {
		e.launcher.Kill()
	}
	slog.Info("engine shutdown complete")
}
