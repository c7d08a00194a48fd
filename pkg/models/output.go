package models

import (
	"encoding/json"
	"time"
)

// Output is the success payload of an operation.
type Output interface {
	Kind() Kind
}

// Capture is the output of screenshot and pdf. Data never appears in JSON;
// the cache and HTTP layers encode it at their own boundary.
type Capture struct {
	Op           Kind      `json:"kind"`
	Data         []byte    `json:"-"`
	ContentType  string    `json:"contentType"`
	Format       string    `json:"format"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Size         int       `json:"size"`
	URL          string    `json:"url"`
	CapturedAt   time.Time `json:"capturedAt"`
	PermanentURL string    `json:"permanentUrl,omitempty"`
	FileID       string    `json:"fileId,omitempty"`
}

func (c *Capture) Kind() Kind { return c.Op }

// PageContent is the output of markdown and content.
type PageContent struct {
	Op          Kind      `json:"kind"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	WordCount   int       `json:"wordCount,omitempty"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

func (p *PageContent) Kind() Kind { return p.Op }

type ScrapeOutput struct {
	URL       string         `json:"url"`
	Results   []ScrapeResult `json:"results"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

func (s *ScrapeOutput) Kind() Kind { return KindScrape }

type ScrapeResult struct {
	Selector string           `json:"selector"`
	Count    int              `json:"count"`
	Elements []ScrapedElement `json:"elements"`
}

type ScrapedElement struct {
	Text       string            `json:"text"`
	HTML       string            `json:"html"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type LinksOutput struct {
	URL           string    `json:"url"`
	Links         []Link    `json:"links"`
	TotalLinks    int       `json:"totalLinks"`
	InternalLinks int       `json:"internalLinks"`
	ExternalLinks int       `json:"externalLinks"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

func (l *LinksOutput) Kind() Kind { return KindLinks }

type Link struct {
	Href     string `json:"href"`
	Text     string `json:"text,omitempty"`
	Internal bool   `json:"internal"`
}

type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Engines []string       `json:"engines"`
}

func (s *SearchOutput) Kind() Kind { return KindSearch }

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source"`
}

// Extraction is the output of the json operation. Exactly one of Extracted
// and Text is set, depending on ResponseType.
type Extraction struct {
	URL          string          `json:"url"`
	ResponseType string          `json:"responseType"`
	Extracted    json.RawMessage `json:"extracted,omitempty"`
	Text         string          `json:"text,omitempty"`
	Model        string          `json:"model,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

func (e *Extraction) Kind() Kind { return KindJSON }

type TokenUsage struct {
	PromptTokens int `json:"promptTokens"`
	OutputTokens int `json:"outputTokens"`
}

// NewOutput returns an empty output for kind, ready for decoding.
func NewOutput(kind Kind) (Output, bool) {
	switch kind {
	case KindScreenshot, KindPDF:
		return &Capture{Op: kind}, true
	case KindMarkdown, KindContent:
		return &PageContent{Op: kind}, true
	case KindScrape:
		return &ScrapeOutput{}, true
	case KindLinks:
		return &LinksOutput{}, true
	case KindSearch:
		return &SearchOutput{}, true
	case KindJSON:
		return &Extraction{}, true
	}
	return nil, false
}
