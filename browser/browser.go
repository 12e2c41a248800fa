// Package browser manages a shared headless browser used for snapshot
// resource discovery. The browser is lazily launched on first use.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/GoCodeAlone/percy/logger"
)

// Browser wraps a shared rod browser instance. Launch is lazy and idempotent;
// pages are created per capture and closed when the capture finishes.
type Browser struct {
	mu       sync.Mutex
	headless bool
	browser  *rod.Browser
	log      *logger.GroupLogger
}

// New creates a Browser. Nothing is launched until Launch or the first
// Capture call.
func New() *Browser {
	return &Browser{
		headless: true,
		log:      logger.Group("browser"),
	}
}

// Launch starts the browser process and connects to it. Calling Launch on a
// connected browser is a no-op.
func (b *Browser) Launch(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launchLocked(ctx)
}

func (b *Browser) launchLocked(ctx context.Context) error {
	if b.browser != nil {
		return nil
	}
	b.log.Debug("Launching browser")
	l := launcher.New().Headless(b.headless)
	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	br := rod.New().ControlURL(url).Context(ctx)
	if err := br.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	b.browser = br
	b.log.Debug("Browser connected")
	return nil
}

// IsConnected reports whether the browser process is up.
func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browser != nil
}

// Close shuts the browser down. Safe to call when never launched.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	b.log.Debug("Closing browser")
	err := b.browser.Close()
	b.browser = nil
	return err
}

func (b *Browser) page(ctx context.Context) (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.launchLocked(context.Background()); err != nil {
		return nil, err
	}
	page, err := b.browser.Page(blankTarget())
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return page.Context(ctx), nil
}
