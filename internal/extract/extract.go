// Package extract turns fetched HTML into markdown, page metadata and the
// list of outbound links the crawler may follow.
package extract

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/urlfilter"
)

// strippedTags never contribute text.
const strippedTags = "script, style, noscript, iframe, svg, head, meta, link, template"

// boilerplateSelectors are removed when only the main content is wanted.
var boilerplateSelectors = []string{
	"nav", "footer", "header", "aside",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]", "[role=complementary]",
	".sidebar", ".menu", ".nav", ".navbar", ".breadcrumb", ".breadcrumbs", ".pagination",
	".cookie-banner", ".cookie-consent", ".popup", ".modal", ".advertisement", ".ads", ".social-share",
	"#sidebar", "#navigation", "#nav", "#footer", "#header", "#cookie-banner",
}

// contentRootSelectors are tried in order; the first match becomes the root.
var contentRootSelectors = []string{
	"main", "article", "#main", "#content", ".content", "[role=main]", "body",
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract converts markup to markdown and collects links. It never fails:
// markup that cannot be parsed degrades to plain text with Degraded set.
func (e *Extractor) Extract(markup []byte, baseURL string, opts crawler.ExtractOptions) crawler.Extraction {
	var degraded bool
	if !utf8.Valid(markup) {
		markup = bytes.ToValidUTF8(markup, []byte("�"))
		degraded = true
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		e.logger.Debug("markup did not parse; falling back to text", zap.String("url", baseURL), zap.Error(err))
		return crawler.Extraction{
			Markdown: plainText(markup),
			Degraded: true,
		}
	}

	base := documentBase(doc, baseURL)
	result := crawler.Extraction{
		Title:       pageTitle(doc),
		Description: pageDescription(doc),
		Degraded:    degraded,
	}

	var everywhere []string
	if opts.DiscoverEverywhere {
		everywhere = collectLinks(doc.Selection, base)
	}

	doc.Find(strippedTags).Remove()
	root := doc.Find("body").First()
	if opts.OnlyMainContent {
		for _, sel := range boilerplateSelectors {
			doc.Find(sel).Remove()
		}
		root = contentRoot(doc)
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	if opts.DiscoverEverywhere {
		result.Links = everywhere
	} else {
		result.Links = collectLinks(root, base)
	}

	result.Markdown = renderMarkdown(root.Nodes[0], base)
	if result.Markdown == "" {
		if text := normalizeWhitespace(root.Text()); text != "" {
			result.Markdown = text
			result.Degraded = true
		}
	}
	if result.Degraded {
		e.logger.Debug("extraction degraded", zap.String("url", baseURL))
	}
	return result
}

func contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentRootSelectors {
		if match := doc.Find(sel).First(); match.Length() > 0 {
			return match
		}
	}
	return doc.Selection
}

// documentBase honors a <base href> element when present.
func documentBase(doc *goquery.Document, pageURL string) *url.URL {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			if base != nil {
				return base.ResolveReference(ref)
			}
			if ref.IsAbs() {
				return ref
			}
		}
	}
	return base
}

func collectLinks(scope *goquery.Selection, base *url.URL) []string {
	baseStr := ""
	if base != nil {
		baseStr = base.String()
	}
	seen := make(map[string]struct{})
	var links []string
	scope.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		canonical, err := urlfilter.Normalize(href, baseStr)
		if err != nil {
			return
		}
		if _, dup := seen[canonical]; dup {
			return
		}
		seen[canonical] = struct{}{}
		links = append(links, canonical)
	})
	return links
}

func pageTitle(doc *goquery.Document) string {
	if title := normalizeWhitespace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		return normalizeWhitespace(og)
	}
	return normalizeWhitespace(doc.Find("h1").First().Text())
}

func pageDescription(doc *goquery.Document) string {
	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			if desc := normalizeWhitespace(content); desc != "" {
				return desc
			}
		}
	}
	return ""
}

// resolveReference returns the absolute form of ref, or "" when ref is empty
// or points at a non-navigable scheme.
func resolveReference(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "javascript", "data", "vbscript":
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	return parsed.String()
}

// plainText pulls the text tokens out of markup that could not be parsed into
// a tree.
func plainText(markup []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(markup))
	var b strings.Builder
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return normalizeWhitespace(b.String())
		case html.StartTagToken:
			if name, _ := tokenizer.TagName(); isRawTextTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := tokenizer.TagName(); isRawTextTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isRawTextTag(name string) bool {
	return name == "script" || name == "style" || name == "noscript"
}
