package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
)

// Driver opens DevTools connections to running instances.
type Driver interface {
	Connect(ctx context.Context, controlURL string) (Conn, error)
}

// Conn is a live connection to one browser.
type Conn interface {
	// Version is the lightweight round-trip used as a health check.
	Version(ctx context.Context) (string, error)
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one tab. Every call honors ctx.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Close() error
}

type ScreenshotOptions struct {
	Format   string
	Quality  int
	FullPage bool
}

type PDFOptions struct {
	Landscape       bool
	PrintBackground bool
	Paper           string
}

// NavigationError is a page load the browser reported as failed.
type NavigationError struct {
	URL    string
	Reason string
	Err    error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %s", e.URL, e.Reason)
}

func (e *NavigationError) Unwrap() error { return e.Err }

var transientReasons = []string{
	"net::ERR_TIMED_OUT",
	"net::ERR_CONNECTION_TIMED_OUT",
	"net::ERR_CONNECTION_RESET",
	"net::ERR_CONNECTION_CLOSED",
	"net::ERR_NETWORK_CHANGED",
	"net::ERR_EMPTY_RESPONSE",
	"net::ERR_INTERNET_DISCONNECTED",
}

// IsTransient reports whether a navigation failure is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nav *NavigationError
	if errors.As(err, &nav) {
		for _, reason := range transientReasons {
			if strings.HasPrefix(nav.Reason, reason) {
				return true
			}
		}
	}
	return false
}

// RodDriver drives Chrome with go-rod over a gorilla websocket.
//
// With Isolate set every connection gets its own browser context, so
// callers sharing one Chrome never see each other's cookies or storage.
// Leave it off when the instance is dedicated and its profile should
// persist across connections.
type RodDriver struct {
	Isolate bool
}

func (d RodDriver) Connect(ctx context.Context, controlURL string) (Conn, error) {
	transport, err := dialCDP(ctx, controlURL)
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(context.Background())
	client := cdp.New().Start(transport)
	b := rod.New().Client(client).Context(bctx).NoDefaultDevice()
	if err := b.Connect(); err != nil {
		cancel()
		transport.Close()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	if d.Isolate {
		incognito, err := b.Context(ctx).Incognito()
		if err != nil {
			cancel()
			transport.Close()
			return nil, fmt.Errorf("create browser context: %w", err)
		}
		b = incognito.Context(bctx)
	}
	return &rodConn{browser: b, transport: transport, cancel: cancel}, nil
}

type rodConn struct {
	browser   *rod.Browser
	transport *wsTransport
	cancel    context.CancelFunc
}

func (c *rodConn) Version(ctx context.Context) (string, error) {
	v, err := c.browser.Context(ctx).Version()
	if err != nil {
		return "", err
	}
	return v.Product, nil
}

// NewPage opens a blank tab. Creation is bounded by ctx, the tab's
// session lives until Close.
func (c *rodConn) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(c.browser.GetContext())
	stop := context.AfterFunc(ctx, cancel)

	p, err := c.browser.Context(pctx).Page(proto.TargetCreateTarget{})
	if !stop() {
		if err == nil {
			(&rodPage{page: p}).Close()
		}
		cancel()
		return nil, fmt.Errorf("open page: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &rodPage{page: p, cancel: cancel}, nil
}

// Close drops the connection without closing the browser itself. An
// isolated connection disposes its browser context first.
func (c *rodConn) Close() error {
	var err error
	if id := c.browser.BrowserContextID; id != "" {
		ctx, cancel := context.WithTimeout(c.browser.GetContext(), 5*time.Second)
		err = proto.TargetDisposeBrowserContext{BrowserContextID: id}.Call(c.browser.Context(ctx))
		cancel()
		if err != nil {
			err = fmt.Errorf("dispose browser context: %w", err)
		}
	}
	c.cancel()
	return errors.Join(err, c.transport.Close())
}

type rodPage struct {
	page   *rod.Page
	cancel context.CancelFunc
}

func (p *rodPage) SetViewport(ctx context.Context, width, height int) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return navigationError(url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return navigationError(url, err)
	}
	return nil
}

func navigationError(url string, err error) error {
	var rodErr *rod.NavigationError
	if errors.As(err, &rodErr) {
		return &NavigationError{URL: url, Reason: rodErr.Reason, Err: err}
	}
	return &NavigationError{URL: url, Reason: err.Error(), Err: err}
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	switch opts.Format {
	case "jpeg":
		req.Format = proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		req.Format = proto.PageCaptureScreenshotFormatWebp
	}
	if opts.Quality > 0 && req.Format != proto.PageCaptureScreenshotFormatPng {
		q := opts.Quality
		req.Quality = &q
	}
	return p.page.Context(ctx).Screenshot(opts.FullPage, req)
}

func (p *rodPage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	width, height := 8.27, 11.69
	if strings.EqualFold(opts.Paper, "letter") {
		width, height = 8.5, 11
	}
	r, err := p.page.Context(ctx).PDF(&proto.PagePrintToPDF{
		Landscape:       opts.Landscape,
		PrintBackground: opts.PrintBackground,
		PaperWidth:      &width,
		PaperHeight:     &height,
	})
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func (p *rodPage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if p.cancel != nil {
		defer p.cancel()
	}
	return p.page.Context(ctx).Close()
}
