package crawler

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/urlfilter"
)

// maxNestedSitemaps bounds how many child sitemaps of an index are fetched.
const maxNestedSitemaps = 20

// sitemapLink is a <loc> entry together with the sitemap it came from.
type sitemapLink struct {
	url    string
	source string
}

// sitemapLinks fetches /sitemap.xml and any sitemaps listed in robots.txt for
// the start host. A sitemap index is followed one level deep. Failures are
// logged and yield no links.
func (s *crawlState) sitemapLinks(ctx context.Context) []sitemapLink {
	scheme, host, err := urlfilter.Root(s.req.StartURL)
	if err != nil {
		return nil
	}
	candidates := []string{scheme + "://" + host + "/sitemap.xml"}
	candidates = append(candidates, s.robots.PolicyFor(ctx, scheme, host).Sitemaps...)

	limit := s.crawler.opts.MaxSitemapURLs
	seen := make(map[string]struct{})
	var links []sitemapLink
	for _, sitemapURL := range candidates {
		if _, dup := seen[sitemapURL]; dup {
			continue
		}
		seen[sitemapURL] = struct{}{}
		locs, children := s.readSitemap(ctx, sitemapURL)
		for _, loc := range locs {
			links = append(links, sitemapLink{url: loc, source: sitemapURL})
		}
		for i, child := range children {
			if i >= maxNestedSitemaps {
				break
			}
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			nested, _ := s.readSitemap(ctx, child)
			for _, loc := range nested {
				links = append(links, sitemapLink{url: loc, source: child})
			}
		}
		if len(links) >= limit {
			break
		}
	}
	if len(links) > limit {
		links = links[:limit]
	}
	return links
}

// readSitemap returns the page locations of a urlset, or the child sitemap
// locations of a sitemapindex.
func (s *crawlState) readSitemap(ctx context.Context, sitemapURL string) ([]string, []string) {
	outcome, err := s.crawler.deps.Lightweight.Fetch(ctx, FetchRequest{
		URL:     sitemapURL,
		Timeout: s.crawler.opts.RobotsTimeout,
	})
	if err != nil {
		s.logger.Debug("sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil, nil
	}
	if outcome.StatusCode < 200 || outcome.StatusCode >= 300 || len(outcome.Body) == 0 {
		return nil, nil
	}
	locs, children, err := parseSitemap(outcome.Body)
	if err != nil {
		s.logger.Debug("sitemap parse failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil, nil
	}
	return locs, children
}

// parseSitemap reads a sitemap document, gunzipping it when needed.
func parseSitemap(body []byte) ([]string, []string, error) {
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, nil, err
		}
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if xmlquery.FindOne(doc, "//sitemapindex") != nil {
		return nil, locations(xmlquery.Find(doc, "//sitemapindex/sitemap/loc")), nil
	}
	return locations(xmlquery.Find(doc, "//urlset/url/loc")), nil, nil
}

func locations(nodes []*xmlquery.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if loc := strings.TrimSpace(node.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
