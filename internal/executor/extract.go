package executor

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// maxScrapedElements bounds the elements returned per selector; Count
// still reports every match.
const maxScrapedElements = 100

func parse(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func pageMeta(doc *goquery.Document) (title, description string) {
	title = collapse(doc.Find("title").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
	}
	description, _ = doc.Find(`meta[name="description"]`).Attr("content")
	if description == "" {
		description, _ = doc.Find(`meta[property="og:description"]`).Attr("content")
	}
	return strings.TrimSpace(title), strings.TrimSpace(description)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func wordCount(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Fields(body.Text()))
}

func (e *Executor) pageContent(kind models.Kind, html, finalURL string) (models.Output, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "could not parse page")
	}
	title, description := pageMeta(doc)

	content := html
	if kind == models.KindMarkdown {
		content = markdown(doc, finalURL)
	}
	return &models.PageContent{
		Op:          kind,
		URL:         finalURL,
		Title:       title,
		Description: description,
		Content:     content,
		WordCount:   wordCount(doc),
		FetchedAt:   e.now().UTC(),
	}, nil
}

func (e *Executor) scrape(html string, req *models.ScrapeRequest, finalURL string) (models.Output, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "could not parse page")
	}

	out := &models.ScrapeOutput{URL: finalURL, FetchedAt: e.now().UTC()}
	for _, el := range req.Elements {
		sel, err := cascadia.Compile(el.Selector)
		if err != nil {
			return nil, models.Wrap(models.CodeExtractionFailed, err, "invalid selector %q", el.Selector)
		}

		matches := doc.FindMatcher(sel)
		result := models.ScrapeResult{
			Selector: el.Selector,
			Count:    matches.Length(),
			Elements: []models.ScrapedElement{},
		}
		matches.EachWithBreak(func(i int, s *goquery.Selection) bool {
			if i >= maxScrapedElements {
				return false
			}
			outer, _ := goquery.OuterHtml(s)
			item := models.ScrapedElement{Text: collapse(s.Text()), HTML: outer}
			if node := s.Get(0); len(node.Attr) > 0 {
				item.Attributes = make(map[string]string, len(node.Attr))
				for _, a := range node.Attr {
					item.Attributes[a.Key] = a.Val
				}
			}
			result.Elements = append(result.Elements, item)
			return true
		})
		out.Results = append(out.Results, result)
	}
	return out, nil
}

func (e *Executor) links(html string, req *models.LinksRequest, finalURL string) (models.Output, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "could not parse page")
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "invalid page URL")
	}
	if b, ok := doc.Find("base[href]").Attr("href"); ok {
		if u, err := base.Parse(b); err == nil {
			base = u
		}
	}
	// Internal means same host as the requested URL, not the final one.
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, models.Wrap(models.CodeExtractionFailed, err, "invalid target URL")
	}
	host := siteHost(target)

	out := &models.LinksOutput{URL: finalURL, Links: []models.Link{}, FetchedAt: e.now().UTC()}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		text := collapse(s.Text())
		if req.VisibleOnly && text == "" {
			return
		}

		link := models.Link{Href: u.String(), Text: text, Internal: siteHost(u) == host}
		out.Links = append(out.Links, link)
		if link.Internal {
			out.InternalLinks++
		} else {
			out.ExternalLinks++
		}
	})
	out.TotalLinks = len(out.Links)
	return out, nil
}

func siteHost(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
