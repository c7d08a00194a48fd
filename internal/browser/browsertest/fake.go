// Package browsertest provides an in-memory browser implementing
// browser.Launcher and browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/webgrab/internal/browser"
)

// Browser is a scriptable fake. Viewport state is per connection, like
// device emulation leaking across tabs of one real browser.
type Browser struct {
	mu sync.Mutex

	LaunchErr  error
	ConnectErr error
	// Pages maps a URL to the HTML served for it.
	Pages map[string]string
	// NavErrors are returned, in order, by the next Navigate calls.
	NavErrors []error
	// Hook runs on every recorded event, outside the lock.
	Hook func(event string)
	// StopDelay makes Stop take this long, like a container shutdown.
	StopDelay time.Duration

	launches    int
	stops       int
	live        int
	maxLive     int
	connects    int
	navigations int
	events      []string
	conns       []*Conn
}

func New() *Browser {
	return &Browser{Pages: make(map[string]string)}
}

func (b *Browser) Launch(ctx context.Context, opts browser.LaunchOptions) (*browser.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}
	b.launches++
	b.live++
	if b.live > b.maxLive {
		b.maxLive = b.live
	}
	return &browser.Instance{
		ID:          opts.SessionID,
		ControlURL:  fmt.Sprintf("ws://fake/%d", b.launches),
		UserDataDir: opts.UserDataDir,
	}, nil
}

func (b *Browser) Stop(ctx context.Context, inst *browser.Instance) error {
	b.mu.Lock()
	delay := b.StopDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	b.mu.Lock()
	b.stops++
	b.live--
	b.mu.Unlock()
	return nil
}

func (b *Browser) Connect(ctx context.Context, controlURL string) (browser.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}
	b.connects++
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Crash makes every open connection fail its health check.
func (b *Browser) Crash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.dead = true
	}
}

func (b *Browser) SetPage(url, html string) {
	b.mu.Lock()
	b.Pages[url] = html
	b.mu.Unlock()
}

func (b *Browser) Launches() int    { return b.count(&b.launches) }
func (b *Browser) Stops() int       { return b.count(&b.stops) }
func (b *Browser) Connects() int    { return b.count(&b.connects) }
func (b *Browser) Navigations() int { return b.count(&b.navigations) }

// MaxLive is the largest number of instances that were running at once.
func (b *Browser) MaxLive() int { return b.count(&b.maxLive) }

func (b *Browser) count(n *int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *n
}

// Events returns the recorded page events in order.
func (b *Browser) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *Browser) record(event string) {
	b.mu.Lock()
	b.events = append(b.events, event)
	hook := b.Hook
	b.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

type Conn struct {
	b      *Browser
	dead   bool
	closed bool
	width  int
	height int
}

func (c *Conn) Version(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.dead || c.closed {
		return "", browser.ErrDisconnected
	}
	return "HeadlessChrome/fake", nil
}

func (c *Conn) NewPage(ctx context.Context) (browser.Page, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.dead || c.closed {
		return nil, browser.ErrDisconnected
	}
	return &Page{c: c}, nil
}

func (c *Conn) Close() error {
	c.b.mu.Lock()
	c.closed = true
	c.b.mu.Unlock()
	return nil
}

type Page struct {
	c   *Conn
	url string
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	p.c.b.mu.Lock()
	p.c.width, p.c.height = width, height
	p.c.b.mu.Unlock()
	p.c.b.record(fmt.Sprintf("viewport %dx%d", width, height))
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.c.b
	b.mu.Lock()
	b.navigations++
	var err error
	if len(b.NavErrors) > 0 {
		err = b.NavErrors[0]
		b.NavErrors = b.NavErrors[1:]
	}
	b.mu.Unlock()

	b.record("navigate " + url)
	if err != nil {
		return err
	}
	p.url = url
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	return p.url, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	b := p.c.b
	b.mu.Lock()
	html, ok := b.Pages[p.url]
	b.mu.Unlock()
	if !ok {
		html = fmt.Sprintf("<html><head><title>%s</title></head><body></body></html>", p.url)
	}
	return html, nil
}

// Screenshot encodes the URL and the connection's viewport into the bytes.
func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	p.c.b.mu.Lock()
	w, h := p.c.width, p.c.height
	p.c.b.mu.Unlock()
	p.c.b.record("screenshot " + p.url)
	if p.url == "" {
		return nil, errors.New("nothing to capture")
	}
	return []byte(fmt.Sprintf("img:%s:%dx%d", p.url, w, h)), nil
}

func (p *Page) PDF(ctx context.Context, opts browser.PDFOptions) ([]byte, error) {
	p.c.b.record("pdf " + p.url)
	return []byte("%PDF-1.7 " + p.url), nil
}

func (p *Page) Close() error { return nil }
