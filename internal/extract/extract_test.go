package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title> Consumer Prices </title>
  <meta name="description" content="Monthly  price index">
  <style>body { color: red }</style>
</head>
<body>
  <header><a href="/home">Home</a></header>
  <nav><a href="/about">About</a><a href="/contact">Contact</a></nav>
  <main>
    <h1>Prices <em>rose</em></h1>
    <p>Food   prices rose by <strong>2%</strong> this month. See <a href="/report?b=2&a=1#top">the report</a>.</p>
    <script>track()</script>
    <ul>
      <li>Bread</li>
      <li>Milk
        <ol><li>Whole</li><li>Skim</li></ol>
      </li>
    </ul>
    <a href="/report?a=1&b=2">Same report</a>
    <a href="mailto:press@example.com">Press</a>
    <a href="javascript:void(0)">Noop</a>
  </main>
  <aside class="sidebar"><a href="/related">Related</a></aside>
  <footer><a href="/privacy">Privacy</a></footer>
</body>
</html>`

func TestExtractMainContent(t *testing.T) {
	t.Parallel()

	e := New(nil)
	got := e.Extract([]byte(samplePage), "https://example.com/docs/index.html", crawler.ExtractOptions{OnlyMainContent: true})

	assert.Equal(t, "Consumer Prices", got.Title)
	assert.Equal(t, "Monthly price index", got.Description)
	assert.False(t, got.Degraded)

	assert.Contains(t, got.Markdown, "# Prices *rose*")
	assert.Contains(t, got.Markdown, "Food prices rose by **2%** this month. See [the report](https://example.com/report?b=2&a=1#top).")
	assert.Contains(t, got.Markdown, "- Bread\n- Milk\n  1. Whole\n  2. Skim")
	assert.NotContains(t, got.Markdown, "track()")
	assert.NotContains(t, got.Markdown, "About")
	assert.NotContains(t, got.Markdown, "Privacy")
	assert.NotContains(t, got.Markdown, "color: red")

	assert.Equal(t, []string{"https://example.com/report?a=1&b=2"}, got.Links)
}

func TestExtractDiscoverEverywhere(t *testing.T) {
	t.Parallel()

	got := New(nil).Extract([]byte(samplePage), "https://example.com/docs/index.html", crawler.ExtractOptions{
		OnlyMainContent:    true,
		DiscoverEverywhere: true,
	})
	assert.Equal(t, []string{
		"https://example.com/home",
		"https://example.com/about",
		"https://example.com/contact",
		"https://example.com/report?a=1&b=2",
		"https://example.com/related",
		"https://example.com/privacy",
	}, got.Links)
	assert.NotContains(t, got.Markdown, "Privacy")
}

func TestExtractFullPage(t *testing.T) {
	t.Parallel()

	got := New(nil).Extract([]byte(samplePage), "https://example.com/", crawler.ExtractOptions{})
	assert.Contains(t, got.Markdown, "[Privacy](https://example.com/privacy)")
	assert.Contains(t, got.Markdown, "[About](https://example.com/about)")
	assert.Contains(t, got.Links, "https://example.com/related")
	assert.NotContains(t, got.Markdown, "track()")
}

func TestExtractContentRootOrder(t *testing.T) {
	t.Parallel()

	page := `<html><body><div id="content"><p>inside</p></div><p>outside</p></body></html>`
	got := New(nil).Extract([]byte(page), "https://example.com/", crawler.ExtractOptions{OnlyMainContent: true})
	assert.Equal(t, "inside", got.Markdown)

	page = `<html><body><div class="wrapper"><p>only body</p></div></body></html>`
	got = New(nil).Extract([]byte(page), "https://example.com/", crawler.ExtractOptions{OnlyMainContent: true})
	assert.Equal(t, "only body", got.Markdown)
}

func TestExtractBaseHref(t *testing.T) {
	t.Parallel()

	page := `<html><head><base href="https://cdn.example.com/assets/"></head><body><a href="page">Next</a><img src="logo.png" alt="Logo"></body></html>`
	got := New(nil).Extract([]byte(page), "https://example.com/a/b", crawler.ExtractOptions{})
	assert.Equal(t, []string{"https://cdn.example.com/assets/page"}, got.Links)
	assert.Contains(t, got.Markdown, "![Logo](https://cdn.example.com/assets/logo.png)")
}

func TestExtractDegradesOnInvalidUTF8(t *testing.T) {
	t.Parallel()

	markup := append([]byte("<html><body><p>price "), 0xff, 0xfe)
	markup = append(markup, []byte(" index</p></body></html>")...)
	got := New(nil).Extract(markup, "https://example.com/", crawler.ExtractOptions{})
	assert.True(t, got.Degraded)
	assert.Contains(t, got.Markdown, "price")
	assert.Contains(t, got.Markdown, "index")
}

func TestExtractEmptyInput(t *testing.T) {
	t.Parallel()

	got := New(nil).Extract(nil, "https://example.com/", crawler.ExtractOptions{OnlyMainContent: true})
	assert.Empty(t, got.Markdown)
	assert.Empty(t, got.Links)
	assert.False(t, got.Degraded)
}

func TestExtractTitleFallbacks(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta property="og:title" content="OG Title"><meta property="og:description" content="OG desc"></head><body><h1>Heading</h1></body></html>`
	got := New(nil).Extract([]byte(page), "https://example.com/", crawler.ExtractOptions{})
	assert.Equal(t, "OG Title", got.Title)
	assert.Equal(t, "OG desc", got.Description)

	got = New(nil).Extract([]byte(`<html><body><h1>Heading</h1></body></html>`), "https://example.com/", crawler.ExtractOptions{})
	assert.Equal(t, "Heading", got.Title)
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	got := plainText([]byte(`<p>Hello <b>world</b></p><script>var x = "<p>";</script><style>p{}</style> done`))
	require.Equal(t, "Hello world done", got)
}
