// Package browsertest provides a scriptable in-memory browser driver.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rahul/webpilot/internal/browser"
)

// Call is one recorded driver invocation.
type Call struct {
	Op  string
	Arg string
}

// Behavior decides the outcome of a call. attempt counts invocations of the
// same op, starting at 1.
type Behavior func(ctx context.Context, attempt int) error

// Fail returns err on every attempt.
func Fail(err error) Behavior {
	return func(context.Context, int) error { return err }
}

// FailTimes returns err for the first n attempts, then succeeds.
func FailTimes(n int, err error) Behavior {
	return func(_ context.Context, attempt int) error {
		if attempt <= n {
			return err
		}
		return nil
	}
}

// Block waits until ctx is done and reports the context error.
func Block() Behavior {
	return func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

// Hang ignores ctx and returns nil only once release is closed, like a
// driver call stuck inside the browser.
func Hang(release <-chan struct{}) Behavior {
	return func(context.Context, int) error {
		<-release
		return nil
	}
}

// Sleep waits for d or ctx, whichever ends first.
func Sleep(d time.Duration) Behavior {
	return func(ctx context.Context, _ int) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Driver implements browser.Driver. Behaviours are keyed by op name
// ("navigate", "click", "fill", "wait", "read", "screenshot").
type Driver struct {
	mu         sync.Mutex
	Behaviors  map[string]Behavior
	Content    []byte
	Image      []byte
	// MaxContent caps ReadContent like the real drivers; zero reads it whole.
	MaxContent int
	calls      []Call
	attempts   map[string]int
	closed     int
	truncated  bool
}

func NewDriver() *Driver {
	return &Driver{
		Behaviors: make(map[string]Behavior),
		Image:     []byte("\x89PNG fake"),
		attempts:  make(map[string]int),
	}
}

// On sets the behaviour for op and returns d for chaining.
func (d *Driver) On(op string, b Behavior) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Behaviors[op] = b
	return d
}

func (d *Driver) do(ctx context.Context, op, arg string) error {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Op: op, Arg: arg})
	d.attempts[op]++
	attempt := d.attempts[op]
	b := d.Behaviors[op]
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return browser.Wrap(op, err)
	}
	if b == nil {
		return nil
	}
	return browser.Wrap(op, b(ctx, attempt))
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	return d.do(ctx, "navigate", url)
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	return d.do(ctx, "click", selector)
}

func (d *Driver) Fill(ctx context.Context, selector, value string) error {
	return d.do(ctx, "fill", selector+"="+value)
}

func (d *Driver) WaitFor(ctx context.Context, selector string) error {
	return d.do(ctx, "wait", selector)
}

func (d *Driver) ReadContent(ctx context.Context, selector string) ([]byte, error) {
	if err := d.do(ctx, "read", selector); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out, cut := browser.CapContent(append([]byte(nil), d.Content...), d.MaxContent)
	d.truncated = cut
	return out, nil
}

func (d *Driver) Truncated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.truncated
}

func (d *Driver) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := d.do(ctx, "screenshot", fmt.Sprint(fullPage)); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.Image...), nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// Calls returns a copy of the recorded invocations.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Count returns how many times op was invoked.
func (d *Driver) Count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[op]
}

// Closed reports how many times Close was called.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Launcher hands out drivers built by New, or fails with Err.
type Launcher struct {
	mu       sync.Mutex
	New      func() *Driver
	Err      error
	launched []*Driver
	opts     []browser.LaunchOptions
}

func NewLauncher(newDriver func() *Driver) *Launcher {
	return &Launcher{New: newDriver}
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := NewDriver()
	if l.New != nil {
		d = l.New()
	}
	l.launched = append(l.launched, d)
	return d, nil
}

// Drivers returns every driver launched so far.
func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.launched...)
}

// Options returns the launch options seen so far.
func (l *Launcher) Options() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.opts...)
}
