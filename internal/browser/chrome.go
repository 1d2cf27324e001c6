package browser

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// DefaultMaxContent bounds the HTML returned by ReadContent.
const DefaultMaxContent = 8 << 20

// ChromeLauncher starts Chromium sessions through the DevTools protocol.
type ChromeLauncher struct {
	// ExecPath overrides the browser binary; empty uses chromedp's lookup.
	ExecPath   string
	NoSandbox  bool
	MaxContent int
}

func NewChromeLauncher() *ChromeLauncher {
	return &ChromeLauncher{NoSandbox: true, MaxContent: DefaultMaxContent}
}

func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if l.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if l.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecPath))
	}

	// The session outlives the launch call, so it is rooted in Background
	// and only tied to ctx while the browser starts.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &chromeDriver{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		maxContent:    l.MaxContent,
	}

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	if !stop() {
		d.Close()
		return nil, fmt.Errorf("start chromium: %w", context.Cause(ctx))
	}
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("start chromium: %w", err)
	}
	return d, nil
}

type chromeDriver struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	maxContent    int
	truncated     bool
	closeOnce     sync.Once
}

// run executes actions on the session, bounded by ctx.
func (d *chromeDriver) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return Wrap(op, err)
	}
	actionCtx, cancel := context.WithCancel(d.browserCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		actionCtx, cancelDeadline = context.WithDeadline(actionCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(actionCtx, actions...)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return Wrap(op, err)
}

func (d *chromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, "navigate", chromedp.Navigate(url))
}

func (d *chromeDriver) Click(ctx context.Context, selector string) error {
	return d.run(ctx, "click", chromedp.Click(selector, chromedp.ByQuery))
}

func (d *chromeDriver) Fill(ctx context.Context, selector, value string) error {
	return d.run(ctx, "fill",
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (d *chromeDriver) WaitFor(ctx context.Context, selector string) error {
	return d.run(ctx, "wait", chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (d *chromeDriver) ReadContent(ctx context.Context, selector string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if selector == "" {
		err = d.run(ctx, "read",
			chromedp.ActionFunc(func(ctx context.Context) error {
				node, err := dom.GetDocument().Do(ctx)
				if err != nil {
					return err
				}
				html, err := dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				if err != nil {
					return err
				}
				buf.WriteString(html)
				return nil
			}),
		)
	} else {
		var nodes []*cdp.Node
		err = d.run(ctx, "read",
			chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
			chromedp.ActionFunc(func(ctx context.Context) error {
				if len(nodes) == 0 {
					return fmt.Errorf("%w: %s", ErrNotFound, selector)
				}
				for _, n := range nodes {
					html, err := dom.GetOuterHTML().WithNodeID(n.NodeID).Do(ctx)
					if err != nil {
						return err
					}
					buf.WriteString(html)
					buf.WriteByte('\n')
				}
				return nil
			}),
		)
	}
	if err != nil {
		return nil, err
	}
	out, cut := CapContent(buf.Bytes(), d.maxContent)
	d.truncated = cut
	return out, nil
}

func (d *chromeDriver) Truncated() bool {
	return d.truncated
}

func (d *chromeDriver) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := d.run(ctx, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *chromeDriver) Close() error {
	d.closeOnce.Do(func() {
		if d.browserCancel != nil {
			d.browserCancel()
		}
		if d.allocCancel != nil {
			d.allocCancel()
		}
	})
	return nil
}
