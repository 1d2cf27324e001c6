package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps browser types to the launcher that can start them.
type Registry struct {
	mu        sync.RWMutex
	Launchers map[Type]Launcher
}

func NewRegistry() *Registry {
	return &Registry{
		Launchers: make(map[Type]Launcher),
	}
}

func (r *Registry) Register(t Type, l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Launchers[t] = l
}

func (r *Registry) Get(t Type) Launcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Launchers[t]
}

// Types lists the registered browser types in name order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.Launchers))
	for t := range r.Launchers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Launch starts a session with the launcher registered for opts.Type.
func (r *Registry) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	if opts.Type == "" {
		opts.Type = Chromium
	}
	l := r.Get(opts.Type)
	if l == nil {
		return nil, fmt.Errorf("no launcher registered for browser %q", opts.Type)
	}
	d, err := l.Launch(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", opts.Type, err)
	}
	return d, nil
}
