// Package executor runs one operation against a leased browser session.
//
// Page loads are the only retried step: a transient navigation failure is
// retried up to the configured number of attempts, each bounded by the
// navigation timeout. Extraction, capture and AI calls run once.
package executor

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/ai"
	"github.com/shehryarbajwa/webgrab/internal/browser"
	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metrics"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

const (
	defaultWidth  = 1280
	defaultHeight = 720
)

// Session is the part of a lease the executor needs.
type Session interface {
	Conn() browser.Conn
}

// Searcher answers search operations without touching the browser.
type Searcher interface {
	Search(ctx context.Context, req *models.SearchRequest) (*models.SearchOutput, error)
}

type Options struct {
	NavTimeout  time.Duration
	NavAttempts int
}

type Executor struct {
	opts      Options
	extractor ai.Extractor
	searcher  Searcher
	logger    *zap.Logger
	now       func() time.Time
}

func New(opts Options, extractor ai.Extractor, searcher Searcher, logger *zap.Logger) *Executor {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.NavAttempts < 1 {
		opts.NavAttempts = 2
	}
	if extractor == nil {
		extractor = ai.Disabled{}
	}
	return &Executor{
		opts:      opts,
		extractor: extractor,
		searcher:  searcher,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// Execute runs op. Every failure is returned as a *models.Error.
func (e *Executor) Execute(ctx context.Context, s Session, op models.Operation) (models.Output, error) {
	if req, ok := op.(*models.SearchRequest); ok {
		return e.search(ctx, req)
	}

	page, err := s.Conn().NewPage(ctx)
	if err != nil {
		return nil, models.Wrap(models.CodeSessionUnavailable, err, "could not open a browser tab")
	}
	defer func() {
		if err := page.Close(); err != nil {
			e.logger.Debug("closing page", zap.Error(err))
		}
	}()

	if w, h, ok := viewportFor(op); ok {
		if err := page.SetViewport(ctx, w, h); err != nil {
			return nil, browserError(err, "could not set viewport")
		}
	}

	if err := e.navigate(ctx, page, op); err != nil {
		return nil, err
	}
	if err := sleep(ctx, op.Wait()); err != nil {
		return nil, models.Wrap(models.CodeNavigationFailed, err, "wait interrupted")
	}

	finalURL, err := page.URL(ctx)
	if err != nil || finalURL == "" {
		finalURL = op.Target()
	}

	switch req := op.(type) {
	case *models.ScreenshotRequest:
		return e.screenshot(ctx, page, req, finalURL)
	case *models.PDFRequest:
		return e.pdf(ctx, page, req, finalURL)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, browserError(err, "could not read page content")
	}

	switch req := op.(type) {
	case *models.MarkdownRequest, *models.ContentRequest:
		return e.pageContent(req.Kind(), html, finalURL)
	case *models.ScrapeRequest:
		return e.scrape(html, req, finalURL)
	case *models.LinksRequest:
		return e.links(html, req, finalURL)
	case *models.JSONRequest:
		return e.extract(ctx, html, req, finalURL)
	}
	return nil, models.Validation("unsupported operation %q", op.Kind())
}

func (e *Executor) navigate(ctx context.Context, page browser.Page, op models.Operation) error {
	var err error
	for attempt := 1; attempt <= e.opts.NavAttempts; attempt++ {
		navCtx, cancel := context.WithTimeout(ctx, e.opts.NavTimeout)
		err = page.Navigate(navCtx, op.Target())
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, browser.ErrDisconnected) {
			return models.Wrap(models.CodeSessionUnavailable, err, "browser disconnected during navigation")
		}
		if ctx.Err() != nil || !browser.IsTransient(err) || attempt == e.opts.NavAttempts {
			break
		}
		metrics.NavigationRetries.WithLabelValues(string(op.Kind())).Inc()
		e.logger.Info("retrying navigation",
			zap.String("op", string(op.Kind())),
			zap.String("url", op.Target()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return models.Wrap(models.CodeNavigationFailed, err, "could not load %s", op.Target())
}

func (e *Executor) screenshot(ctx context.Context, page browser.Page, req *models.ScreenshotRequest, finalURL string) (models.Output, error) {
	format := req.Format
	if format == "" {
		format = "png"
	}
	data, err := page.Screenshot(ctx, browser.ScreenshotOptions{
		Format:   format,
		Quality:  req.Quality,
		FullPage: req.FullPage,
	})
	if err != nil {
		return nil, browserError(err, "screenshot failed")
	}

	w, h, _ := viewportFor(req)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		w, h = cfg.Width, cfg.Height
	}
	return &models.Capture{
		Op:          models.KindScreenshot,
		Data:        data,
		ContentType: "image/" + format,
		Format:      format,
		Width:       w,
		Height:      h,
		Size:        len(data),
		URL:         finalURL,
		CapturedAt:  e.now().UTC(),
	}, nil
}

func (e *Executor) pdf(ctx context.Context, page browser.Page, req *models.PDFRequest, finalURL string) (models.Output, error) {
	data, err := page.PDF(ctx, browser.PDFOptions{
		Landscape:       req.Landscape,
		PrintBackground: req.PrintBackground,
		Paper:           req.Paper,
	})
	if err != nil {
		return nil, browserError(err, "pdf rendering failed")
	}
	w, h, _ := viewportFor(req)
	return &models.Capture{
		Op:          models.KindPDF,
		Data:        data,
		ContentType: "application/pdf",
		Format:      "pdf",
		Width:       w,
		Height:      h,
		Size:        len(data),
		URL:         finalURL,
		CapturedAt:  e.now().UTC(),
	}, nil
}

func (e *Executor) search(ctx context.Context, req *models.SearchRequest) (models.Output, error) {
	if e.searcher == nil {
		return nil, models.Errorf(models.CodeExtractionFailed, "search is not configured")
	}
	out, err := e.searcher.Search(ctx, req)
	if err != nil {
		var me *models.Error
		if errors.As(err, &me) {
			return nil, me
		}
		return nil, models.Wrap(models.CodeExtractionFailed, err, "search failed")
	}
	return out, nil
}

func (e *Executor) extract(ctx context.Context, html string, req *models.JSONRequest, finalURL string) (models.Output, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "could not parse page")
	}
	title, _ := pageMeta(doc)

	res, err := e.extractor.Extract(ctx, ai.Request{
		URL:          finalURL,
		Title:        title,
		Content:      markdown(doc, finalURL),
		Prompt:       req.Prompt,
		Instructions: req.Instructions,
		Schema:       req.Schema,
		ResponseType: req.EffectiveResponseType(),
	})
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "AI extraction failed")
	}
	return &models.Extraction{
		URL:          finalURL,
		ResponseType: req.EffectiveResponseType(),
		Extracted:    res.Extracted,
		Text:         res.Text,
		Model:        res.Model,
		Usage:        res.Usage,
	}, nil
}

// viewportFor returns the viewport to apply. Captures always get one so a
// previous operation's size never carries over.
func viewportFor(op models.Operation) (int, int, bool) {
	var vp *models.Viewport
	switch req := op.(type) {
	case *models.ScreenshotRequest:
		vp = req.Viewport
	case *models.PDFRequest:
		vp = req.Viewport
	default:
		return 0, 0, false
	}
	if vp == nil {
		return defaultWidth, defaultHeight, true
	}
	return vp.Width, vp.Height, true
}

func browserError(err error, msg string) error {
	if errors.Is(err, browser.ErrDisconnected) {
		return models.Wrap(models.CodeSessionUnavailable, err, "%s", msg)
	}
	return models.Wrap(models.CodeExtractionFailed, err, "%s", msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
