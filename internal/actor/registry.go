package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/background"
	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metrics"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// ErrClosed is returned once the registry has been closed.
var ErrClosed = errors.New("actor: registry closed")

// Registry keeps at most one live actor per user.
type Registry struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool

	stopJanitor chan struct{}
	wg          sync.WaitGroup
}

func NewRegistry(deps Deps, opts Options) *Registry {
	opts.setDefaults()
	deps.Logger = logging.OrNop(deps.Logger)
	if deps.Runner == nil {
		deps.Runner = background.NewRunner(deps.Logger, 0)
	}

	r := &Registry{
		deps:        deps,
		opts:        opts,
		logger:      deps.Logger,
		actors:      make(map[string]*Actor),
		stopJanitor: make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.janitor()
	}
	return r
}

// Get returns the user's actor, starting one if none is live. If the user's
// previous actor is still retiring, Get waits for it to release its browser.
func (r *Registry) Get(userID string) (*Actor, error) {
	return r.get(context.Background(), userID)
}

func (r *Registry) get(ctx context.Context, userID string) (*Actor, error) {
	if userID == "" {
		return nil, models.Validation("user id is required")
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		old, ok := r.actors[userID]
		if !ok {
			a := r.start(userID)
			r.mu.Unlock()
			return a, nil
		}
		if !old.retiring() {
			r.mu.Unlock()
			return old, nil
		}
		r.mu.Unlock()

		// At most one lease per user: the replacement starts only after the
		// retiring actor has stopped its browser.
		select {
		case <-old.done:
			r.forget(old)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// start registers and runs a new actor. r.mu must be held.
func (r *Registry) start(userID string) *Actor {
	a := newActor(userID, r.deps, r.opts)
	r.actors[userID] = a
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		a.run()
		r.forget(a)
	}()
	metrics.ActiveActors.Inc()
	r.logger.Debug("actor started", zap.String("user_id", userID))
	return a
}

// Execute runs op on the user's actor. An actor retired between lookup and
// enqueue is replaced once.
func (r *Registry) Execute(ctx context.Context, userID string, op models.Operation) (models.Output, error) {
	for attempt := 0; attempt < 2; attempt++ {
		a, err := r.get(ctx, userID)
		if errors.Is(err, ErrClosed) {
			return nil, models.Wrap(models.CodeSessionUnavailable, err, "service is shutting down")
		}
		if err != nil {
			return nil, err
		}

		out, err := a.Execute(ctx, op)
		if !errors.Is(err, ErrStopped) {
			return out, err
		}
	}
	return nil, models.Errorf(models.CodeSessionUnavailable, "user session restarting, try again")
}

// Stats lists live actors ordered by user id.
func (r *Registry) Stats() []models.ActorInfo {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	infos := make([]models.ActorInfo, 0, len(actors))
	for _, a := range actors {
		infos = append(infos, a.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// Close stops every actor, releasing their browser sessions, and waits for
// them or ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stopJanitor)
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close actors: %w", ctx.Err())
	}
}

func (r *Registry) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopJanitor:
			return
		case now := <-ticker.C:
			if n := r.evictIdle(now); n > 0 {
				r.logger.Info("evicted idle actors", zap.Int("count", n))
			}
		}
	}
}

// evictIdle retires actors idle for longer than the idle timeout. A retired
// actor stays registered until its goroutine has released the lease.
func (r *Registry) evictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for _, a := range r.actors {
		if a.retireIfIdle(now, r.opts.IdleTimeout) {
			evicted++
		}
	}
	return evicted
}

func (r *Registry) forget(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[a.userID]; ok && cur == a {
		delete(r.actors, a.userID)
		metrics.ActiveActors.Dec()
	}
}
