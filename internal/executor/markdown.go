package executor

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// markdown renders the page body as Markdown. Links and images are resolved
// against pageURL.
func markdown(doc *goquery.Document, pageURL string) string {
	base, _ := url.Parse(pageURL)
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	w := &mdWriter{base: base}
	for _, n := range root.Nodes {
		w.blocks(n, 0)
	}
	return w.String()
}

type mdWriter struct {
	base *url.URL
	sb   strings.Builder
}

func (w *mdWriter) String() string {
	out := blankLines.ReplaceAllString(w.sb.String(), "\n\n")
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (w *mdWriter) blocks(n *html.Node, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.block(c, depth)
	}
}

func (w *mdWriter) para(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	w.sb.WriteString("\n\n")
	w.sb.WriteString(s)
	w.sb.WriteString("\n\n")
}

func (w *mdWriter) block(n *html.Node, depth int) {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) != "" {
			w.sb.WriteString(collapseKeepEdges(n.Data))
		}
		return
	case html.ElementNode:
	default:
		w.blocks(n, depth)
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Iframe, atom.Svg, atom.Head, atom.Form, atom.Button:
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		w.para(strings.Repeat("#", level) + " " + strings.TrimSpace(w.inline(n)))
	case atom.P:
		w.para(w.inline(n))
	case atom.Br:
		w.sb.WriteString("\n")
	case atom.Hr:
		w.para("---")
	case atom.Pre:
		w.para("```\n" + strings.Trim(textOf(n), "\n") + "\n```")
	case atom.Blockquote:
		sub := &mdWriter{base: w.base}
		sub.blocks(n, 0)
		var quoted []string
		for _, line := range strings.Split(sub.String(), "\n") {
			quoted = append(quoted, strings.TrimRight("> "+line, " "))
		}
		w.para(strings.Join(quoted, "\n"))
	case atom.Ul, atom.Ol:
		w.sb.WriteString("\n\n")
		w.list(n, depth)
		w.sb.WriteString("\n")
	case atom.Table:
		w.table(n)
	case atom.A, atom.Img, atom.Strong, atom.B, atom.Em, atom.I, atom.Code, atom.Span,
		atom.Small, atom.Sup, atom.Sub, atom.Label, atom.Abbr, atom.Time, atom.Mark, atom.U, atom.S, atom.Del:
		w.sb.WriteString(w.inline(n))
	default:
		w.sb.WriteString("\n\n")
		w.blocks(n, depth)
		w.sb.WriteString("\n\n")
	}
}

func (w *mdWriter) inline(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(w.inlineNode(c))
	}
	return sb.String()
}

func (w *mdWriter) inlineNode(n *html.Node) string {
	if n.Type == html.TextNode {
		return collapseKeepEdges(n.Data)
	}
	if n.Type != html.ElementNode {
		return ""
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg:
		return ""
	case atom.Br:
		return "\n"
	case atom.A:
		text := strings.TrimSpace(w.inline(n))
		href := w.resolve(attr(n, "href"))
		if href == "" {
			return text
		}
		if text == "" {
			text = href
		}
		return fmt.Sprintf("[%s](%s)", text, href)
	case atom.Img:
		src := w.resolve(attr(n, "src"))
		if src == "" {
			return ""
		}
		return fmt.Sprintf("![%s](%s)", attr(n, "alt"), src)
	case atom.Strong, atom.B:
		return wrapNonEmpty(w.inline(n), "**")
	case atom.Em, atom.I:
		return wrapNonEmpty(w.inline(n), "_")
	case atom.Code:
		return wrapNonEmpty(textOf(n), "`")
	}
	return w.inline(n)
}

func (w *mdWriter) list(n *html.Node, depth int) {
	ordered := n.DataAtom == atom.Ol
	indent := strings.Repeat("  ", depth)
	i := 0
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		i++
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", i)
		}

		var text strings.Builder
		var nested []*html.Node
		for c := li.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Ul || c.DataAtom == atom.Ol) {
				nested = append(nested, c)
				continue
			}
			text.WriteString(w.inlineNode(c))
		}
		w.sb.WriteString(indent + marker + strings.TrimSpace(collapse(text.String())) + "\n")
		for _, sub := range nested {
			w.list(sub, depth+1)
		}
	}
}

func (w *mdWriter) table(n *html.Node) {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Tr:
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						text := collapse(w.inline(cell))
						cells = append(cells, strings.ReplaceAll(text, "|", `\|`))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
			case atom.Thead, atom.Tbody, atom.Tfoot:
				walk(c)
			}
		}
	}
	walk(n)
	if len(rows) == 0 {
		return
	}

	cols := 0
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	var lines []string
	for i, r := range rows {
		for len(r) < cols {
			r = append(r, "")
		}
		lines = append(lines, "| "+strings.Join(r, " | ")+" |")
		if i == 0 {
			lines = append(lines, "|"+strings.Repeat(" --- |", cols))
		}
	}
	w.para(strings.Join(lines, "\n"))
}

func (w *mdWriter) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ""
	}
	if w.base == nil {
		return ref
	}
	u, err := w.base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func wrapNonEmpty(s, marker string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	return marker + trimmed + marker
}

// collapseKeepEdges collapses internal whitespace but keeps a single space
// at either edge so adjacent inline text does not run together.
func collapseKeepEdges(s string) string {
	if s == "" {
		return ""
	}
	out := collapse(s)
	if out == "" {
		return " "
	}
	if isSpace(s[0]) {
		out = " " + out
	}
	if isSpace(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
