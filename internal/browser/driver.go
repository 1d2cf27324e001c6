package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Driver is one browser session. Calls on a Driver are never concurrent;
// every blocking call honours the deadline and cancellation of ctx.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	WaitFor(ctx context.Context, selector string) error
	// ReadContent returns the outer HTML of the elements matching selector,
	// or of the whole document when selector is empty.
	ReadContent(ctx context.Context, selector string) ([]byte, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Close() error
}

// TruncationReporter is implemented by drivers that cap ReadContent.
// Truncated reports whether the last ReadContent result was cut short.
type TruncationReporter interface {
	Truncated() bool
}

// CapContent cuts b to limit bytes when limit is positive and reports
// whether anything was dropped.
func CapContent(b []byte, limit int) ([]byte, bool) {
	if limit <= 0 || len(b) <= limit {
		return b, false
	}
	return b[:limit], true
}

// Type names a browser engine.
type Type string

const (
	Chromium Type = "chromium"
	Firefox  Type = "firefox"
	WebKit   Type = "webkit"
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", "chrome":
		return Chromium, nil
	case Chromium, Firefox, WebKit:
		return t, nil
	}
	return "", fmt.Errorf("unknown browser type %q", s)
}

type LaunchOptions struct {
	Headless bool
	Type     Type
}

// Launcher starts new, independent Driver sessions.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Driver, error)
}

// ErrorKind classifies driver failures.
type ErrorKind string

const (
	KindTimeout  ErrorKind = "timeout"
	KindNotFound ErrorKind = "not_found"
	KindDriver   ErrorKind = "driver_error"
)

var (
	ErrTimeout  = errors.New("browser: operation timed out")
	ErrNotFound = errors.New("browser: element not found")
)

// Error is the typed failure returned by every Driver method.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("browser %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the Kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Wrap classifies err for op. Deadline expiry becomes a timeout; anything
// already typed passes through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	return &Error{Kind: KindDriver, Op: op, Err: err}
}

// KindOf reports the ErrorKind of err, defaulting to KindDriver.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindDriver
}
