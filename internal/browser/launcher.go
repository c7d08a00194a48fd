// Package browser starts headless Chrome instances and drives them over the
// DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod/lib/launcher"
	"golang.org/x/sync/semaphore"
)

// ErrCapacity is returned when the process already runs its browser limit.
var ErrCapacity = errors.New("browser: capacity exhausted")

// Instance is one running browser reachable at ControlURL.
type Instance struct {
	ID          string
	ControlURL  string
	ContainerID string
	UserDataDir string

	kill func()
}

type LaunchOptions struct {
	SessionID   string
	UserDataDir string
}

// Launcher starts and stops browser instances.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (*Instance, error)
	Stop(ctx context.Context, inst *Instance) error
}

// RemoteLauncher hands out a fixed, externally managed browser endpoint.
type RemoteLauncher struct {
	URL string
}

func (l *RemoteLauncher) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	// http(s) endpoints are resolved to their websocket debugger URL.
	u, err := launcher.ResolveURL(l.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve browser endpoint: %w", err)
	}
	return &Instance{ID: opts.SessionID, ControlURL: u, UserDataDir: opts.UserDataDir}, nil
}

func (l *RemoteLauncher) Stop(ctx context.Context, inst *Instance) error {
	return nil
}

// LocalLauncher starts a Chrome process on this host.
type LocalLauncher struct {
	Bin      string
	Headless bool
}

func (l *LocalLauncher) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	lch := launcher.New().Context(ctx).Headless(l.Headless).Leakless(true)
	if l.Bin != "" {
		lch = lch.Bin(l.Bin)
	}
	if opts.UserDataDir != "" {
		lch = lch.UserDataDir(opts.UserDataDir)
	}

	u, err := lch.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}
	return &Instance{
		ID:          opts.SessionID,
		ControlURL:  u,
		UserDataDir: opts.UserDataDir,
		kill:        lch.Kill,
	}, nil
}

// Stop kills the process. The user data dir is left in place.
func (l *LocalLauncher) Stop(ctx context.Context, inst *Instance) error {
	if inst.kill != nil {
		inst.kill()
	}
	return nil
}

type limited struct {
	Launcher
	sem *semaphore.Weighted

	mu   sync.Mutex
	held map[*Instance]struct{}
}

// Limit caps the number of live instances started through l at n. Launch
// fails fast with ErrCapacity rather than queueing.
func Limit(l Launcher, n int64) Launcher {
	return &limited{
		Launcher: l,
		sem:      semaphore.NewWeighted(n),
		held:     make(map[*Instance]struct{}),
	}
}

func (l *limited) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	if !l.sem.TryAcquire(1) {
		return nil, ErrCapacity
	}
	inst, err := l.Launcher.Launch(ctx, opts)
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}

	l.mu.Lock()
	l.held[inst] = struct{}{}
	l.mu.Unlock()
	return inst, nil
}

func (l *limited) Stop(ctx context.Context, inst *Instance) error {
	l.mu.Lock()
	_, ok := l.held[inst]
	delete(l.held, inst)
	l.mu.Unlock()

	err := l.Launcher.Stop(ctx, inst)
	if ok {
		l.sem.Release(1)
	}
	return err
}
