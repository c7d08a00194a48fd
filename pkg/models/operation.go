package models

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Kind names an operation type. It doubles as the cache namespace and the
// route suffix under /v1.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindPDF        Kind = "pdf"
	KindMarkdown   Kind = "markdown"
	KindContent    Kind = "content"
	KindScrape     Kind = "scrape"
	KindLinks      Kind = "links"
	KindSearch     Kind = "search"
	KindJSON       Kind = "json"
)

// Kinds lists every operation kind in route order.
var Kinds = []Kind{KindScreenshot, KindPDF, KindMarkdown, KindContent, KindScrape, KindLinks, KindSearch, KindJSON}

// Binary reports whether the kind produces a binary payload.
func (k Kind) Binary() bool {
	return k == KindScreenshot || k == KindPDF
}

// Navigates reports whether the kind loads a page in the user's browser.
func (k Kind) Navigates() bool {
	return k != KindSearch
}

// MaxWaitTime bounds the waitTime option in milliseconds.
const MaxWaitTime = 30000

// Operation is a validated, immutable request for one unit of work.
type Operation interface {
	Kind() Kind
	// Target is the URL, or the query for search.
	Target() string
	// Wait is the extra settle delay after navigation.
	Wait() time.Duration
	// WantsBase64 reports the caller's payload preference. It never
	// participates in cache identity.
	WantsBase64() bool
	Validate() error
}

// Viewport sets the browser window size for an operation.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (v *Viewport) validate() error {
	if v == nil {
		return nil
	}
	if v.Width < 1 || v.Width > 7680 || v.Height < 1 || v.Height > 7680 {
		return Validation("viewport must be between 1x1 and 7680x7680")
	}
	return nil
}

// Common holds the fields shared by every page operation.
type Common struct {
	URL      string `json:"url"`
	WaitTime int    `json:"waitTime,omitempty"`
	Base64   bool   `json:"base64,omitempty"`
}

func (c Common) Target() string      { return c.URL }
func (c Common) WantsBase64() bool   { return c.Base64 }
func (c Common) Wait() time.Duration { return time.Duration(c.WaitTime) * time.Millisecond }

func (c Common) validate() error {
	if err := validateWait(c.WaitTime); err != nil {
		return err
	}
	return ValidateURL(c.URL)
}

func validateWait(ms int) error {
	if ms < 0 || ms > MaxWaitTime {
		return Validation("waitTime must be between 0 and %d ms", MaxWaitTime)
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Validation("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Validation("url %q is not a valid absolute URL", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Validation("url scheme must be http or https")
	}
	return nil
}

type ScreenshotRequest struct {
	Common
	Viewport *Viewport `json:"viewport,omitempty"`
	FullPage bool      `json:"fullPage,omitempty"`
	// Format is png (default), jpeg or webp.
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

func (r *ScreenshotRequest) Kind() Kind { return KindScreenshot }

func (r *ScreenshotRequest) Validate() error {
	if err := r.Common.validate(); err != nil {
		return err
	}
	if err := r.Viewport.validate(); err != nil {
		return err
	}
	switch r.Format {
	case "", "png", "jpeg", "webp":
	default:
		return Validation("format must be png, jpeg or webp")
	}
	if r.Quality < 0 || r.Quality > 100 {
		return Validation("quality must be between 0 and 100")
	}
	return nil
}

type PDFRequest struct {
	Common
	Viewport        *Viewport `json:"viewport,omitempty"`
	Landscape       bool      `json:"landscape,omitempty"`
	PrintBackground bool      `json:"printBackground,omitempty"`
	// Paper is A4 (default) or Letter.
	Paper string `json:"paper,omitempty"`
}

func (r *PDFRequest) Kind() Kind { return KindPDF }

func (r *PDFRequest) Validate() error {
	if err := r.Common.validate(); err != nil {
		return err
	}
	if err := r.Viewport.validate(); err != nil {
		return err
	}
	switch strings.ToLower(r.Paper) {
	case "", "a4", "letter":
	default:
		return Validation("paper must be A4 or Letter")
	}
	return nil
}

type MarkdownRequest struct {
	Common
}

func (r *MarkdownRequest) Kind() Kind      { return KindMarkdown }
func (r *MarkdownRequest) Validate() error { return r.Common.validate() }

type ContentRequest struct {
	Common
}

func (r *ContentRequest) Kind() Kind      { return KindContent }
func (r *ContentRequest) Validate() error { return r.Common.validate() }

// MaxSelectors bounds a single scrape request.
const MaxSelectors = 20

type ScrapeRequest struct {
	Common
	Elements []ScrapeElement `json:"elements"`
}

type ScrapeElement struct {
	Selector string `json:"selector"`
}

func (r *ScrapeRequest) Kind() Kind { return KindScrape }

func (r *ScrapeRequest) Validate() error {
	if err := r.Common.validate(); err != nil {
		return err
	}
	if len(r.Elements) == 0 || len(r.Elements) > MaxSelectors {
		return Validation("elements must contain between 1 and %d selectors", MaxSelectors)
	}
	for i, el := range r.Elements {
		if strings.TrimSpace(el.Selector) == "" {
			return Validation("elements[%d].selector is empty", i)
		}
	}
	return nil
}

type LinksRequest struct {
	Common
	// VisibleOnly skips anchors without text.
	VisibleOnly bool `json:"visibleOnly,omitempty"`
}

func (r *LinksRequest) Kind() Kind      { return KindLinks }
func (r *LinksRequest) Validate() error { return r.Common.validate() }

const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 20
)

type SearchRequest struct {
	Query    string   `json:"query"`
	Limit    int      `json:"limit,omitempty"`
	Engines  []string `json:"engines,omitempty"`
	WaitTime int      `json:"waitTime,omitempty"`
	Base64   bool     `json:"base64,omitempty"`
}

func (r *SearchRequest) Kind() Kind          { return KindSearch }
func (r *SearchRequest) Target() string      { return r.Query }
func (r *SearchRequest) WantsBase64() bool   { return r.Base64 }
func (r *SearchRequest) Wait() time.Duration { return time.Duration(r.WaitTime) * time.Millisecond }

// EffectiveLimit applies the default limit.
func (r *SearchRequest) EffectiveLimit() int {
	if r.Limit == 0 {
		return DefaultSearchLimit
	}
	return r.Limit
}

func (r *SearchRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return Validation("query is required")
	}
	if err := validateWait(r.WaitTime); err != nil {
		return err
	}
	if r.Limit < 0 || r.Limit > MaxSearchLimit {
		return Validation("limit must be between 1 and %d", MaxSearchLimit)
	}
	return nil
}

const (
	ResponseTypeJSON = "json"
	ResponseTypeText = "text"
)

type JSONRequest struct {
	Common
	Prompt       string          `json:"prompt,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	ResponseType string          `json:"responseType,omitempty"`
}

func (r *JSONRequest) Kind() Kind { return KindJSON }

// EffectiveResponseType applies the json default.
func (r *JSONRequest) EffectiveResponseType() string {
	if r.ResponseType == "" {
		return ResponseTypeJSON
	}
	return r.ResponseType
}

func (r *JSONRequest) Validate() error {
	if err := r.Common.validate(); err != nil {
		return err
	}
	hasSchema := len(r.Schema) > 0 && string(r.Schema) != "null"
	prompt := strings.TrimSpace(r.Prompt)
	switch r.EffectiveResponseType() {
	case ResponseTypeJSON:
		if prompt == "" && !hasSchema {
			return Validation("either prompt or schema is required")
		}
		if hasSchema && !json.Valid(r.Schema) {
			return Validation("schema is not valid JSON")
		}
	case ResponseTypeText:
		if hasSchema {
			return Validation("schema requires responseType \"json\"")
		}
		if prompt == "" {
			return Validation("prompt is required when responseType is \"text\"")
		}
	default:
		return Validation("responseType must be \"json\" or \"text\"")
	}
	return nil
}

// NewOperation returns an empty request for kind, ready for decoding.
func NewOperation(kind Kind) (Operation, bool) {
	switch kind {
	case KindScreenshot:
		return &ScreenshotRequest{}, true
	case KindPDF:
		return &PDFRequest{}, true
	case KindMarkdown:
		return &MarkdownRequest{}, true
	case KindContent:
		return &ContentRequest{}, true
	case KindScrape:
		return &ScrapeRequest{}, true
	case KindLinks:
		return &LinksRequest{}, true
	case KindSearch:
		return &SearchRequest{}, true
	case KindJSON:
		return &JSONRequest{}, true
	}
	return nil, false
}
