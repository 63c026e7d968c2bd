// Package browser drives the grading site through Chrome with go-rod and
// exposes it to the grading pipeline as a grading.Session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hwgrade/hwgrade/internal/poll"
	"github.com/hwgrade/hwgrade/pkg/grading"
)

// Options controls how Chrome is launched.
type Options struct {
	Bin         string // empty = let rod find or download a browser
	Headless    bool
	ProfileDir  string // persistent user data dir so a manual login survives
	DownloadDir string

	NavigationTimeout time.Duration // defaults to 60s
	GridTimeout       time.Duration // defaults to 20s

	Selectors Selectors
}

// Browser owns one Chrome process and the page the grid lives on.
type Browser struct {
	opts     Options
	sel      Selectors
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	log      grading.Logger
}

// Launch starts Chrome and routes its downloads into opts.DownloadDir.
func Launch(ctx context.Context, opts Options, log grading.Logger) (*Browser, error) {
	if opts.DownloadDir == "" {
		return nil, errors.New("browser: download dir is required")
	}
	dir, err := filepath.Abs(opts.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	opts.DownloadDir = dir
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}
	if opts.GridTimeout <= 0 {
		opts.GridTimeout = 20 * time.Second
	}
	if log == nil {
		log = nopLogger{}
	}

	l := launcher.New().Headless(opts.Headless)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	err = proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  dir,
		EventsEnabled: true,
	}.Call(b)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("set download dir: %w", err)
	}
	log.Debugf("chrome started, downloads go to %s", dir)

	return &Browser{
		opts:     opts,
		sel:      opts.Selectors.WithDefaults(),
		launcher: l,
		browser:  b,
		log:      log,
	}, nil
}

// Open navigates a fresh page to url.
func (b *Browser) Open(ctx context.Context, url string) error {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	if err := page.Timeout(b.opts.NavigationTimeout).Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.Timeout(b.opts.NavigationTimeout).WaitLoad(); err != nil {
		b.log.Warnf("page load did not settle: %v", err)
	}
	b.page = page
	return nil
}

// WaitForGrid blocks until the grid and its scroll viewport are rendered.
func (b *Browser) WaitForGrid(ctx context.Context) error {
	if b.page == nil {
		return errors.New("browser: no page open")
	}
	err := poll.Until(ctx, b.opts.GridTimeout, 250*time.Millisecond, func(ctx context.Context) (bool, error) {
		page := b.page.Context(ctx)
		for _, sel := range []string{b.sel.GridRoot, b.sel.Viewport} {
			els, err := page.Elements(sel)
			if err != nil {
				return false, classify(err)
			}
			if len(els) == 0 {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("wait for grid: %w", err)
	}
	return nil
}

// Session returns the grid session for the open page.
func (b *Browser) Session() *Session {
	return &Session{page: b.page, sel: b.sel}
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	if b.launcher != nil {
		b.launcher.Kill()
	}
	return err
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
