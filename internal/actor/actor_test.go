package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/webgrab/internal/artifact"
	"github.com/shehryarbajwa/webgrab/internal/background"
	"github.com/shehryarbajwa/webgrab/internal/browser/browsertest"
	"github.com/shehryarbajwa/webgrab/internal/executor"
	"github.com/shehryarbajwa/webgrab/internal/workspace"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubArtifacts struct {
	delay time.Duration
	err   error

	mu        sync.Mutex
	seq       int
	persisted []string
}

func (s *stubArtifacts) Reserve(in artifact.Input) *artifact.Reservation {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("file-%d", s.seq)
	s.mu.Unlock()
	return &artifact.Reservation{ID: id, Key: in.UserID + "/" + id, URL: "http://files.test/" + id}
}

func (s *stubArtifacts) Persist(ctx context.Context, r *artifact.Reservation) (*models.Artifact, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.persisted = append(s.persisted, r.ID)
	s.mu.Unlock()
	return &models.Artifact{ID: r.ID, URL: r.URL}, nil
}

func (s *stubArtifacts) Persisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.persisted...)
}

type stubSearcher struct{}

func (stubSearcher) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchOutput, error) {
	return &models.SearchOutput{Query: req.Query, Total: 0}, nil
}

type fixture struct {
	fake      *browsertest.Browser
	artifacts *stubArtifacts
	runner    *background.Runner
	ws        *workspace.Manager
	reg       *Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		fake:      browsertest.New(),
		artifacts: &stubArtifacts{},
		runner:    background.NewRunner(nil, 5*time.Second),
		ws:        ws,
	}
	if opts.ArtifactGrace == 0 {
		opts.ArtifactGrace = time.Second
	}
	f.reg = NewRegistry(Deps{
		Launcher:   f.fake,
		Driver:     f.fake,
		Executor:   executor.New(executor.Options{NavTimeout: time.Second, NavAttempts: 2}, nil, stubSearcher{}, nil),
		Artifacts:  f.artifacts,
		Workspaces: ws,
		Runner:     f.runner,
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, f.reg.Close(ctx))
		f.runner.Wait()
	})
	return f
}

func screenshot(i int) *models.ScreenshotRequest {
	return &models.ScreenshotRequest{
		Common:   models.Common{URL: fmt.Sprintf("https://example.com/%d", i)},
		Viewport: &models.Viewport{Width: 100 + i, Height: 200 + i},
	}
}

func TestConcurrentOperationsNeverInterleave(t *testing.T) {
	f := newFixture(t, Options{})
	// Widen the window between setting the viewport and capturing.
	f.fake.Hook = func(event string) {
		if strings.HasPrefix(event, "viewport") {
			time.Sleep(5 * time.Millisecond)
		}
	}
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	results := make([]*models.Capture, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Screenshot(context.Background(), screenshot(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		want := fmt.Sprintf("img:https://example.com/%d:%dx%d", i, 100+i, 200+i)
		assert.Equal(t, want, string(results[i].Data))
	}

	events := f.fake.Events()
	require.Len(t, events, 3*n)
	for k := 0; k < n; k++ {
		triple := events[3*k : 3*k+3]
		require.True(t, strings.HasPrefix(triple[1], "navigate "), triple)
		url := strings.TrimPrefix(triple[1], "navigate ")
		assert.Equal(t, "screenshot "+url, triple[2])
	}
	assert.Equal(t, 1, f.fake.Launches())
}

func TestOperationsRunInArrivalOrder(t *testing.T) {
	f := newFixture(t, Options{})
	release := make(chan struct{})
	f.fake.Hook = func(event string) {
		if event == "navigate https://example.com/0" {
			<-release
		}
	}
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	submit := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Links(context.Background(), &models.LinksRequest{
				Common: models.Common{URL: fmt.Sprintf("https://example.com/%d", i)},
			})
			assert.NoError(t, err)
		}()
	}

	submit(0)
	require.Eventually(t, func() bool { return a.Info().State == models.ActorExecuting }, time.Second, time.Millisecond)
	for i := 1; i <= 4; i++ {
		submit(i)
		want := i + 1
		require.Eventually(t, func() bool { return a.Info().Pending == want }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	var navigations []string
	for _, e := range f.fake.Events() {
		if strings.HasPrefix(e, "navigate ") {
			navigations = append(navigations, strings.TrimPrefix(e, "navigate "))
		}
	}
	assert.Equal(t, []string{
		"https://example.com/0",
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
		"https://example.com/4",
	}, navigations)
}

func TestAbandonedOperationIsSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	release := make(chan struct{})
	f.fake.Hook = func(event string) {
		if event == "navigate https://example.com/0" {
			<-release
		}
	}
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := a.Markdown(context.Background(), &models.MarkdownRequest{Common: models.Common{URL: "https://example.com/0"}})
		first <- err
	}()
	require.Eventually(t, func() bool { return a.Info().State == models.ActorExecuting }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := a.Markdown(ctx, &models.MarkdownRequest{Common: models.Common{URL: "https://example.com/1"}})
		abandoned <- err
	}()
	require.Eventually(t, func() bool { return len(a.mailbox) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	close(release)
	require.NoError(t, <-first)
	_, err = a.Markdown(context.Background(), &models.MarkdownRequest{Common: models.Common{URL: "https://example.com/2"}})
	require.NoError(t, err)

	assert.Equal(t, 2, f.fake.Navigations())
}

func TestLeaseReusedAndReplacedAfterCrash(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := &models.ContentRequest{Common: models.Common{URL: "https://example.com"}}

	_, err := f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)
	_, err = f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Launches())

	f.fake.Crash()
	_, err = f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.fake.Launches())
	assert.Equal(t, 1, f.fake.Stops())
}

func TestSessionUnavailableWhenBrowserCannotStart(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.LaunchErr = errors.New("docker daemon unreachable")

	_, err := f.reg.Execute(context.Background(), "u1", &models.ContentRequest{Common: models.Common{URL: "https://example.com"}})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeSessionUnavailable))
}

func TestSearchDoesNotLaunchBrowser(t *testing.T) {
	f := newFixture(t, Options{})
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	out, err := a.Search(context.Background(), &models.SearchRequest{Query: "golang"})
	require.NoError(t, err)
	assert.Equal(t, "golang", out.Query)
	assert.Zero(t, f.fake.Launches())
}

func TestCapturePersistedWithinGrace(t *testing.T) {
	f := newFixture(t, Options{})
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	c, err := a.Screenshot(context.Background(), screenshot(1))
	require.NoError(t, err)
	assert.Equal(t, "file-1", c.FileID)
	assert.Equal(t, "http://files.test/file-1", c.PermanentURL)
	assert.Equal(t, []string{"file-1"}, f.artifacts.Persisted())
}

func TestSlowPersistReturnsReservedURL(t *testing.T) {
	f := newFixture(t, Options{ArtifactGrace: 10 * time.Millisecond})
	f.artifacts.delay = 200 * time.Millisecond
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	c, err := a.PDF(context.Background(), &models.PDFRequest{Common: models.Common{URL: "https://example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/file-1", c.PermanentURL)
	assert.Empty(t, f.artifacts.Persisted())

	f.runner.Wait()
	assert.Equal(t, []string{"file-1"}, f.artifacts.Persisted())
}

func TestFailedPersistOmitsPermanentURL(t *testing.T) {
	f := newFixture(t, Options{})
	f.artifacts.err = errors.New("disk full")
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	c, err := a.Screenshot(context.Background(), screenshot(1))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Data)
	assert.Empty(t, c.PermanentURL)
	assert.Empty(t, c.FileID)
}

func TestNonBinaryOutputsAreNotPersisted(t *testing.T) {
	f := newFixture(t, Options{})
	a, err := f.reg.Get("u1")
	require.NoError(t, err)

	page, err := a.Markdown(context.Background(), &models.MarkdownRequest{Common: models.Common{URL: "https://example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", page.Title)
	f.runner.Wait()
	assert.Empty(t, f.artifacts.Persisted())
}

func TestInitializeUserCreatesWorkspace(t *testing.T) {
	f := newFixture(t, Options{})
	a, err := f.reg.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, models.ActorUninitialized, a.Info().State)

	require.NoError(t, a.InitializeUser())
	require.NoError(t, a.InitializeUser())
	assert.DirExists(t, f.ws.ProfileDir("u1"))
	assert.Equal(t, models.ActorReady, a.Info().State)
}

func TestRegistryOneActorPerUser(t *testing.T) {
	f := newFixture(t, Options{})
	a1, err := f.reg.Get("u1")
	require.NoError(t, err)
	again, err := f.reg.Get("u1")
	require.NoError(t, err)
	other, err := f.reg.Get("u2")
	require.NoError(t, err)

	assert.Same(t, a1, again)
	assert.NotSame(t, a1, other)

	ctx := context.Background()
	_, err = a1.Content(ctx, &models.ContentRequest{Common: models.Common{URL: "https://example.com"}})
	require.NoError(t, err)
	_, err = other.Content(ctx, &models.ContentRequest{Common: models.Common{URL: "https://example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.fake.Launches())

	stats := f.reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "u1", stats[0].UserID)
	assert.EqualValues(t, 1, stats[0].Executed)
	require.NotNil(t, stats[0].Session)
	assert.Equal(t, models.HealthHealthy, stats[0].Session.Health)
}

func TestIdleActorsAreEvicted(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 30 * time.Millisecond, JanitorInterval: 5 * time.Millisecond})
	ctx := context.Background()
	req := &models.ContentRequest{Common: models.Common{URL: "https://example.com"}}

	_, err := f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.reg.Stats()) == 0 && f.fake.Stops() == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.fake.Launches())
}

func TestReplacementWaitsForRetiringActor(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 30 * time.Millisecond, JanitorInterval: 5 * time.Millisecond})
	f.fake.StopDelay = 300 * time.Millisecond
	ctx := context.Background()
	req := &models.ContentRequest{Common: models.Common{URL: "https://example.com"}}

	_, err := f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)

	retiring := func() bool {
		f.reg.mu.Lock()
		a, ok := f.reg.actors["u1"]
		f.reg.mu.Unlock()
		return ok && a.retiring()
	}
	require.Eventually(t, retiring, 2*time.Second, time.Millisecond)
	require.Zero(t, f.fake.Stops(), "old browser must still be stopping")

	_, err = f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)

	assert.Equal(t, 2, f.fake.Launches())
	assert.Equal(t, 1, f.fake.Stops())
	assert.Equal(t, 1, f.fake.MaxLive(), "a user never has two live browsers")
}

func TestCloseReleasesSessions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := &models.ContentRequest{Common: models.Common{URL: "https://example.com"}}

	_, err := f.reg.Execute(ctx, "u1", req)
	require.NoError(t, err)
	_, err = f.reg.Execute(ctx, "u2", req)
	require.NoError(t, err)

	require.NoError(t, f.reg.Close(ctx))
	assert.Equal(t, 2, f.fake.Stops())

	_, err = f.reg.Execute(ctx, "u1", req)
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeSessionUnavailable))
}
