package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher starts Chromium, Firefox or WebKit sessions through the
// Playwright driver. Browsers must already be installed; the launcher never
// downloads them.
type PlaywrightLauncher struct {
	LaunchTimeout time.Duration
	MaxContent    int

	initOnce sync.Once
	initErr  error
	pw       *playwright.Playwright
}

func NewPlaywrightLauncher() *PlaywrightLauncher {
	return &PlaywrightLauncher{LaunchTimeout: 60 * time.Second, MaxContent: DefaultMaxContent}
}

func (l *PlaywrightLauncher) initialize() error {
	l.initOnce.Do(func() {
		pw, err := playwright.Run(&playwright.RunOptions{
			Verbose: false,
			Stdout:  io.Discard,
			Stderr:  io.Discard,
		})
		if err != nil {
			l.initErr = fmt.Errorf("failed to start playwright driver: %w", err)
			return
		}
		l.pw = pw
	})
	return l.initErr
}

func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.initialize(); err != nil {
		return nil, err
	}

	var bt playwright.BrowserType
	switch opts.Type {
	case Firefox:
		bt = l.pw.Firefox
	case WebKit:
		bt = l.pw.WebKit
	default:
		bt = l.pw.Chromium
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Timeout:  timeoutMs(ctx, l.LaunchTimeout),
	}
	b, err := bt.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", opts.Type, err)
	}
	page, err := b.NewPage()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &playwrightDriver{browser: b, page: page, maxContent: l.MaxContent}, nil
}

// Stop shuts the Playwright driver down. Sessions must be closed first.
func (l *PlaywrightLauncher) Stop() error {
	if l.pw == nil {
		return nil
	}
	return l.pw.Stop()
}

type playwrightDriver struct {
	browser    playwright.Browser
	page       playwright.Page
	maxContent int
	truncated  bool
	closeOnce  sync.Once
	closeErr   error
}

// timeoutMs converts the remaining time on ctx to a Playwright timeout.
// Without a deadline it falls back to def.
func timeoutMs(ctx context.Context, def time.Duration) *float64 {
	d := def
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
		if d < time.Millisecond {
			d = time.Millisecond
		}
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// call runs fn and maps Playwright errors onto the driver error kinds.
func (d *playwrightDriver) call(ctx context.Context, op string, fn func(timeout *float64) error) error {
	if err := ctx.Err(); err != nil {
		return Wrap(op, err)
	}
	err := fn(timeoutMs(ctx, 30*time.Second))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Wrap(op, fmt.Errorf("%w (%v)", ctxErr, err))
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return Wrap(op, err)
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	return d.call(ctx, "navigate", func(timeout *float64) error {
		_, err := d.page.Goto(url, playwright.PageGotoOptions{Timeout: timeout})
		return err
	})
}

func (d *playwrightDriver) Click(ctx context.Context, selector string) error {
	return d.call(ctx, "click", func(timeout *float64) error {
		return d.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: timeout})
	})
}

func (d *playwrightDriver) Fill(ctx context.Context, selector, value string) error {
	return d.call(ctx, "fill", func(timeout *float64) error {
		return d.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{Timeout: timeout})
	})
}

func (d *playwrightDriver) WaitFor(ctx context.Context, selector string) error {
	return d.call(ctx, "wait", func(timeout *float64) error {
		_, err := d.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeout,
		})
		return err
	})
}

func (d *playwrightDriver) ReadContent(ctx context.Context, selector string) ([]byte, error) {
	var html string
	err := d.call(ctx, "read", func(_ *float64) error {
		if selector == "" {
			var err error
			html, err = d.page.Content()
			return err
		}
		res, err := d.page.Locator(selector).EvaluateAll(`els => els.map(e => e.outerHTML)`)
		if err != nil {
			return err
		}
		parts, _ := res.([]interface{})
		if len(parts) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, selector)
		}
		var b strings.Builder
		for _, p := range parts {
			if s, ok := p.(string); ok {
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
		html = b.String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	out, cut := CapContent([]byte(html), d.maxContent)
	d.truncated = cut
	return out, nil
}

func (d *playwrightDriver) Truncated() bool {
	return d.truncated
}

func (d *playwrightDriver) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	err := d.call(ctx, "screenshot", func(timeout *float64) error {
		var err error
		buf, err = d.page.Screenshot(playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(fullPage),
			Timeout:  timeout,
		})
		return err
	})
	return buf, err
}

func (d *playwrightDriver) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.browser.Close()
	})
	return d.closeErr
}
