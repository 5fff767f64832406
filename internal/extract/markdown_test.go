package extract

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func render(t *testing.T, fragment string) string {
	t.Helper()
	doc, err := html.Parse(strings.NewReader("<html><body>" + fragment + "</body></html>"))
	require.NoError(t, err)
	base, err := url.Parse("https://example.com/guide/")
	require.NoError(t, err)
	return renderMarkdown(doc, base)
}

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fragment string
		want     string
	}{
		{
			name:     "headings",
			fragment: "<h2>Setup</h2><p>text</p><h6>fine print</h6>",
			want:     "## Setup\n\ntext\n\n###### fine print",
		},
		{
			name:     "paragraph whitespace",
			fragment: "<p>  one\n\n   two  </p><p>three</p>",
			want:     "one two\n\nthree",
		},
		{
			name:     "relative link and image",
			fragment: `<p><a href="../faq">FAQ</a> <img src="img/a.png" alt="A [diagram]"></p>`,
			want:     "[FAQ](https://example.com/faq) ![A \\[diagram\\]](https://example.com/guide/img/a.png)",
		},
		{
			name:     "emphasis",
			fragment: "<p><b>bold</b> and <i>italic</i> and <del>gone</del></p>",
			want:     "**bold** and *italic* and ~~gone~~",
		},
		{
			name:     "inline code",
			fragment: "<p>run <code>go  test</code> now</p>",
			want:     "run `go test` now",
		},
		{
			name:     "fenced code keeps whitespace",
			fragment: "<pre><code class=\"language-go\">func main() {\n\tfmt.Println(1)\n}\n</code></pre>",
			want:     "```go\nfunc main() {\n\tfmt.Println(1)\n}\n```",
		},
		{
			name:     "blockquote",
			fragment: "<blockquote><p>first</p><p>second</p></blockquote>",
			want:     "> first\n>\n> second",
		},
		{
			name:     "horizontal rule",
			fragment: "<p>above</p><hr><p>below</p>",
			want:     "above\n\n---\n\nbelow",
		},
		{
			name:     "ordered list with paragraphs",
			fragment: "<ol><li><p>alpha</p></li><li>beta</li></ol>",
			want:     "1. alpha\n2. beta",
		},
		{
			name:     "table with header",
			fragment: "<table><thead><tr><th>Item</th><th>Price</th></tr></thead> <tbody><tr><td>Bread</td><td>2 | 3</td></tr><tr><td>Milk</td></tr></tbody></table>",
			want:     "| Item | Price |\n| --- | --- |\n| Bread | 2 \\| 3 |\n| Milk |  |",
		},
		{
			name:     "table without header",
			fragment: "<table><tr><td>a</td><td>b</td></tr><tr><td>c</td><td>d</td></tr></table>",
			want:     "| a | b |\n| --- | --- |\n| c | d |",
		},
		{
			name:     "line break",
			fragment: "<p>one<br>two</p>",
			want:     "one\ntwo",
		},
		{
			name:     "blank runs collapse",
			fragment: "<div><div><p>a</p></div></div><br><br><br><div><p>b</p></div>",
			want:     "a\n\nb",
		},
		{
			name:     "javascript link keeps text",
			fragment: `<p><a href="javascript:void(0)">click</a></p>`,
			want:     "click",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, render(t, tc.fragment))
		})
	}
}

func TestCleanupMarkdown(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a\n\nb", cleanupMarkdown("  a   \n\n\n\n\nb  \n"))
}
