// Package actor serializes every operation of one user onto that user's
// browser session.
//
// Each Actor owns a lease.Holder and a mailbox drained by a single
// goroutine, so operations for a user run one at a time in arrival order
// and never share a browser session with another user. Actors of different
// users run in parallel.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/artifact"
	"github.com/shehryarbajwa/webgrab/internal/background"
	"github.com/shehryarbajwa/webgrab/internal/browser"
	"github.com/shehryarbajwa/webgrab/internal/executor"
	"github.com/shehryarbajwa/webgrab/internal/lease"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// ErrStopped is returned by an actor that was evicted or closed before it
// accepted the operation.
var ErrStopped = errors.New("actor: stopped")

// Executor runs one operation on a leased session.
type Executor interface {
	Execute(ctx context.Context, s executor.Session, op models.Operation) (models.Output, error)
}

// Artifacts is the two-phase permanent store for captures.
type Artifacts interface {
	Reserve(in artifact.Input) *artifact.Reservation
	Persist(ctx context.Context, r *artifact.Reservation) (*models.Artifact, error)
}

// Workspaces creates per-user local storage.
type Workspaces interface {
	Ensure(userID string) (string, error)
	ProfileDir(userID string) string
}

// Deps are the collaborators shared by every actor.
type Deps struct {
	Launcher   browser.Launcher
	Driver     browser.Driver
	Executor   Executor
	Artifacts  Artifacts
	Workspaces Workspaces
	Runner     *background.Runner
	Logger     *zap.Logger
}

type Options struct {
	MailboxSize   int
	HealthTimeout time.Duration
	// OpTimeout bounds a single operation once dequeued.
	OpTimeout time.Duration
	// ArtifactGrace is how long an operation waits for its capture to be
	// persisted before answering with the reserved URL.
	ArtifactGrace time.Duration
	// IdleTimeout evicts actors with no activity; zero disables eviction.
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.MailboxSize <= 0 {
		o.MailboxSize = 32
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 90 * time.Second
	}
	if o.ArtifactGrace <= 0 {
		o.ArtifactGrace = 1500 * time.Millisecond
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
	}
}

type job struct {
	ctx   context.Context
	op    models.Operation
	reply chan result
}

type result struct {
	out models.Output
	err error
}

// Actor is the single execution context of one user.
type Actor struct {
	userID string
	deps   Deps
	opts   Options
	holder *lease.Holder
	logger *zap.Logger

	mailbox chan job
	quit    chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	state      models.ActorState
	stopping   bool
	pending    int
	executed   int64
	lastActive time.Time
}

func newActor(userID string, deps Deps, opts Options) *Actor {
	logger := deps.Logger.With(zap.String("user_id", userID))
	return &Actor{
		userID: userID,
		deps:   deps,
		opts:   opts,
		holder: lease.NewHolder(lease.Options{
			UserID:        userID,
			UserDataDir:   deps.Workspaces.ProfileDir(userID),
			HealthTimeout: opts.HealthTimeout,
		}, deps.Launcher, deps.Driver, logger),
		logger:     logger,
		mailbox:    make(chan job, opts.MailboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		state:      models.ActorUninitialized,
		lastActive: time.Now(),
	}
}

func (a *Actor) UserID() string { return a.userID }

// Execute queues op behind every operation already accepted for this user
// and waits for its result. Once dequeued an operation runs to completion
// even if ctx ends; a caller that gives up only loses the result.
func (a *Actor) Execute(ctx context.Context, op models.Operation) (models.Output, error) {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return nil, ErrStopped
	}
	a.pending++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.pending--
		a.mu.Unlock()
	}()

	j := job{ctx: ctx, op: op, reply: make(chan result, 1)}
	select {
	case a.mailbox <- j:
	case <-a.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		select {
		case r := <-j.reply:
			return r.out, r.err
		default:
			return nil, ErrStopped
		}
	}
}

func (a *Actor) Screenshot(ctx context.Context, req *models.ScreenshotRequest) (*models.Capture, error) {
	return call[*models.Capture](ctx, a, req)
}

func (a *Actor) PDF(ctx context.Context, req *models.PDFRequest) (*models.Capture, error) {
	return call[*models.Capture](ctx, a, req)
}

func (a *Actor) Markdown(ctx context.Context, req *models.MarkdownRequest) (*models.PageContent, error) {
	return call[*models.PageContent](ctx, a, req)
}

func (a *Actor) Content(ctx context.Context, req *models.ContentRequest) (*models.PageContent, error) {
	return call[*models.PageContent](ctx, a, req)
}

func (a *Actor) Scrape(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeOutput, error) {
	return call[*models.ScrapeOutput](ctx, a, req)
}

func (a *Actor) Links(ctx context.Context, req *models.LinksRequest) (*models.LinksOutput, error) {
	return call[*models.LinksOutput](ctx, a, req)
}

func (a *Actor) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchOutput, error) {
	return call[*models.SearchOutput](ctx, a, req)
}

func (a *Actor) JSON(ctx context.Context, req *models.JSONRequest) (*models.Extraction, error) {
	return call[*models.Extraction](ctx, a, req)
}

func call[T models.Output](ctx context.Context, a *Actor, op models.Operation) (T, error) {
	var zero T
	out, err := a.Execute(ctx, op)
	if err != nil {
		return zero, err
	}
	typed, ok := out.(T)
	if !ok {
		return zero, models.Errorf(models.CodeInternal, "unexpected %s output %T", op.Kind(), out)
	}
	return typed, nil
}

// InitializeUser prepares the user's workspace. It is idempotent and runs
// before every operation.
func (a *Actor) InitializeUser() error {
	if _, err := a.deps.Workspaces.Ensure(a.userID); err != nil {
		return models.Wrap(models.CodeInternal, err, "could not prepare workspace")
	}
	a.mu.Lock()
	if a.state == models.ActorUninitialized {
		a.state = models.ActorReady
	}
	a.mu.Unlock()
	return nil
}

// Info is a snapshot for the debug endpoint.
func (a *Actor) Info() models.ActorInfo {
	a.mu.Lock()
	info := models.ActorInfo{
		UserID:     a.userID,
		State:      a.state,
		Pending:    a.pending,
		Executed:   a.executed,
		LastActive: a.lastActive,
	}
	a.mu.Unlock()
	info.Session = a.holder.Session()
	return info
}

func (a *Actor) run() {
	defer close(a.done)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.holder.Release(ctx)
		a.setState(models.ActorEvicted)
	}()

	for {
		select {
		case <-a.quit:
			return
		case j := <-a.mailbox:
			a.handle(j)
		}
	}
}

func (a *Actor) handle(j job) {
	if err := j.ctx.Err(); err != nil {
		a.logger.Debug("skipping abandoned operation", zap.String("op", string(j.op.Kind())))
		j.reply <- result{err: err}
		return
	}

	a.mu.Lock()
	a.state = models.ActorExecuting
	a.lastActive = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), a.opts.OpTimeout)
	out, err := a.perform(ctx, j.op)
	cancel()

	a.mu.Lock()
	a.state = models.ActorReady
	a.executed++
	a.lastActive = time.Now()
	a.mu.Unlock()

	j.reply <- result{out: out, err: err}
}

func (a *Actor) perform(ctx context.Context, op models.Operation) (models.Output, error) {
	if err := a.InitializeUser(); err != nil {
		return nil, err
	}

	var session executor.Session
	if op.Kind().Navigates() {
		l, err := a.holder.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		session = l
	}

	out, err := a.deps.Executor.Execute(ctx, session, op)
	if err != nil {
		if models.HasCode(err, models.CodeSessionUnavailable) {
			a.holder.Invalidate()
		}
		a.logger.Info("operation failed",
			zap.String("op", string(op.Kind())),
			zap.String("url", op.Target()),
			zap.Error(err))
		return nil, err
	}

	if c, ok := out.(*models.Capture); ok && a.deps.Artifacts != nil {
		a.persist(ctx, c)
	}
	return out, nil
}

// persist stores a fresh capture. The result carries the permanent URL if
// the write finished in time or is still running, and nothing if it failed.
func (a *Actor) persist(ctx context.Context, c *models.Capture) {
	r := a.deps.Artifacts.Reserve(artifact.Input{
		UserID:      a.userID,
		Data:        c.Data,
		SourceURL:   c.URL,
		Kind:        c.Op,
		ContentType: c.ContentType,
		Format:      c.Format,
		Metadata: map[string]any{
			"width":  c.Width,
			"height": c.Height,
		},
	})
	logger := a.logger.With(zap.String("file_id", r.ID))

	done := a.deps.Runner.Go(ctx, "artifact_persist", func(ctx context.Context) error {
		_, err := a.deps.Artifacts.Persist(ctx, r)
		return err
	})

	timer := time.NewTimer(a.opts.ArtifactGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("artifact not persisted", zap.Error(err))
			return
		}
	case <-timer.C:
		logger.Debug("artifact still persisting, returning reserved url")
	}
	c.PermanentURL = r.URL
	c.FileID = r.ID
}

// retireIfIdle stops the actor if it has nothing queued or running and has
// been idle for at least idle.
func (a *Actor) retireIfIdle(now time.Time, idle time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping || a.pending > 0 || a.state == models.ActorExecuting || len(a.mailbox) > 0 {
		return false
	}
	if now.Sub(a.lastActive) < idle {
		return false
	}
	a.stopping = true
	close(a.quit)
	return true
}

// retiring reports whether the actor has stopped accepting work.
func (a *Actor) retiring() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopping
}

// stop refuses new work and ends the loop after the current operation.
func (a *Actor) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return
	}
	a.stopping = true
	close(a.quit)
}

func (a *Actor) setState(s models.ActorState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
