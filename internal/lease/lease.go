// Package lease keeps one reusable browser session per user actor.
//
// A Holder is owned by exactly one actor goroutine; Acquire, Invalidate and
// Release are not safe for concurrent use. Session may be called from any
// goroutine.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/browser"
	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metrics"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

const defaultHealthTimeout = 2 * time.Second

// Lease is exclusive ownership of one browser connection.
type Lease struct {
	ID        string
	CreatedAt time.Time

	instance *browser.Instance
	conn     browser.Conn

	mu           sync.Mutex
	health       models.SessionHealth
	lastActivity time.Time
}

// Conn returns the live connection.
func (l *Lease) Conn() browser.Conn { return l.conn }

// Touch records activity on the lease.
func (l *Lease) Touch() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

func (l *Lease) setHealth(h models.SessionHealth) {
	l.mu.Lock()
	l.health = h
	l.mu.Unlock()
}

func (l *Lease) Health() models.SessionHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

type Options struct {
	UserID        string
	UserDataDir   string
	HealthTimeout time.Duration
}

type Holder struct {
	opts     Options
	launcher browser.Launcher
	driver   browser.Driver
	logger   *zap.Logger

	mu    sync.Mutex
	lease *Lease
}

func NewHolder(opts Options, launcher browser.Launcher, driver browser.Driver, logger *zap.Logger) *Holder {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	return &Holder{
		opts:     opts,
		launcher: launcher,
		driver:   driver,
		logger:   logging.OrNop(logger).With(zap.String("user_id", opts.UserID)),
	}
}

// Acquire returns the current lease if it answers a health check within the
// health timeout, and otherwise replaces it with a fresh one. Safe to call
// at the top of every operation.
func (h *Holder) Acquire(ctx context.Context) (*Lease, error) {
	reason := "new"
	if cur := h.current(); cur != nil {
		if cur.Health() != models.HealthUnhealthy && h.check(ctx, cur) {
			cur.setHealth(models.HealthHealthy)
			cur.Touch()
			return cur, nil
		}
		reason = "unhealthy"
		h.logger.Info("replacing unhealthy browser session", zap.String("session_id", cur.ID))
		h.teardown(context.WithoutCancel(ctx), cur)
	}

	l, err := h.establish(ctx)
	if err != nil {
		return nil, err
	}
	metrics.LeaseCreations.WithLabelValues(reason).Inc()

	h.mu.Lock()
	h.lease = l
	h.mu.Unlock()
	return l, nil
}

func (h *Holder) check(ctx context.Context, l *Lease) bool {
	ctx, cancel := context.WithTimeout(ctx, h.opts.HealthTimeout)
	defer cancel()
	if _, err := l.conn.Version(ctx); err != nil {
		h.logger.Debug("browser health check failed", zap.String("session_id", l.ID), zap.Error(err))
		return false
	}
	return true
}

func (h *Holder) establish(ctx context.Context) (*Lease, error) {
	id := uuid.NewString()
	inst, err := h.launcher.Launch(ctx, browser.LaunchOptions{SessionID: id, UserDataDir: h.opts.UserDataDir})
	if err != nil {
		if errors.Is(err, browser.ErrCapacity) {
			return nil, models.Wrap(models.CodeSessionUnavailable, err, "no browser capacity available")
		}
		return nil, models.Wrap(models.CodeSessionUnavailable, err, "could not start browser session")
	}

	conn, err := h.driver.Connect(ctx, inst.ControlURL)
	if err != nil {
		if stopErr := h.launcher.Stop(context.WithoutCancel(ctx), inst); stopErr != nil {
			h.logger.Warn("failed to stop browser after connect error", zap.Error(stopErr))
		}
		return nil, models.Wrap(models.CodeSessionUnavailable, err, "could not connect to browser session")
	}

	now := time.Now()
	h.logger.Info("browser session established", zap.String("session_id", id))
	return &Lease{
		ID:           id,
		CreatedAt:    now,
		instance:     inst,
		conn:         conn,
		health:       models.HealthHealthy,
		lastActivity: now,
	}, nil
}

// Invalidate marks the current lease unhealthy so the next Acquire replaces
// it without a health round-trip.
func (h *Holder) Invalidate() {
	if cur := h.current(); cur != nil {
		cur.setHealth(models.HealthUnhealthy)
	}
}

// Release tears the lease down. Only called on actor shutdown.
func (h *Holder) Release(ctx context.Context) {
	h.mu.Lock()
	cur := h.lease
	h.lease = nil
	h.mu.Unlock()

	if cur != nil {
		h.teardown(ctx, cur)
	}
}

func (h *Holder) teardown(ctx context.Context, l *Lease) {
	h.mu.Lock()
	if h.lease == l {
		h.lease = nil
	}
	h.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		h.logger.Debug("closing browser connection", zap.String("session_id", l.ID), zap.Error(err))
	}
	if err := h.launcher.Stop(ctx, l.instance); err != nil {
		h.logger.Warn("failed to stop browser", zap.String("session_id", l.ID), zap.Error(err))
	}
}

func (h *Holder) current() *Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Session returns a snapshot of the current lease, or nil.
func (h *Holder) Session() *models.Session {
	l := h.current()
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return &models.Session{
		ID:           l.ID,
		UserID:       h.opts.UserID,
		Health:       l.health,
		CreatedAt:    l.CreatedAt,
		LastActivity: l.lastActivity,
		ConnectURL:   l.instance.ControlURL,
		ContainerID:  l.instance.ContainerID,
	}
}
