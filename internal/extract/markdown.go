package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

type listFrame struct {
	ordered bool
	index   int
}

type mdState struct {
	base        *url.URL
	listStack   []listFrame
	inCodeBlock bool
}

type markdownAccumulator struct {
	builder          strings.Builder
	lastRune         rune
	hasLast          bool
	trailingNewlines int
}

func newMarkdownAccumulator() *markdownAccumulator {
	return &markdownAccumulator{}
}

func (m *markdownAccumulator) String() string {
	return m.builder.String()
}

func (m *markdownAccumulator) append(value string) {
	if value == "" {
		return
	}
	m.builder.WriteString(value)
	for _, r := range value {
		m.lastRune = r
		m.hasLast = true
		if r == '\n' {
			m.trailingNewlines++
		} else {
			m.trailingNewlines = 0
		}
	}
}

func (m *markdownAccumulator) atLineStart() bool {
	return !m.hasLast || m.trailingNewlines > 0
}

func (m *markdownAccumulator) ensureSpace() {
	if m.atLineStart() || m.lastRune == ' ' {
		return
	}
	m.append(" ")
}

func (m *markdownAccumulator) ensureLineBreak() {
	if !m.hasLast || m.trailingNewlines >= 1 {
		return
	}
	m.append("\n")
}

func (m *markdownAccumulator) ensureBlankLine() {
	if !m.hasLast || m.trailingNewlines >= 2 {
		return
	}
	for m.trailingNewlines < 2 {
		m.append("\n")
	}
}

// renderMarkdown converts the children of root into markdown. Relative link
// and image targets are resolved against base.
func renderMarkdown(root *html.Node, base *url.URL) string {
	acc := newMarkdownAccumulator()
	state := &mdState{base: base}
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		renderMarkdownNode(child, state, acc)
	}
	return cleanupMarkdown(acc.String())
}

func renderChildren(node *html.Node, state *mdState, acc *markdownAccumulator) {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		renderMarkdownNode(child, state, acc)
	}
}

// renderInline renders children into a detached accumulator and flattens the
// result onto one line.
func renderInline(node *html.Node, state *mdState) string {
	sub := newMarkdownAccumulator()
	renderChildren(node, state, sub)
	return normalizeWhitespace(sub.String())
}

func renderMarkdownNode(node *html.Node, state *mdState, acc *markdownAccumulator) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		if state.inCodeBlock {
			acc.append(node.Data)
			return
		}
		text := normalizeWhitespace(node.Data)
		if text == "" {
			if node.Data != "" {
				acc.ensureSpace()
			}
			return
		}
		if startsWithSpace(node.Data) {
			acc.ensureSpace()
		}
		acc.append(text)
		if endsWithSpace(node.Data) {
			acc.append(" ")
		}
	case html.ElementNode:
		renderElement(node, state, acc)
	case html.DocumentNode:
		renderChildren(node, state, acc)
	}
}

func renderElement(node *html.Node, state *mdState, acc *markdownAccumulator) {
	tag := strings.ToLower(node.Data)
	switch tag {
	case "br":
		acc.append("\n")
	case "hr":
		acc.ensureBlankLine()
		acc.append("---")
		acc.ensureBlankLine()
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := renderInline(node, state)
		if text == "" {
			return
		}
		level := int(tag[1] - '0')
		acc.ensureBlankLine()
		acc.append(strings.Repeat("#", level) + " " + text)
		acc.ensureBlankLine()
	case "strong", "b":
		wrapInline(node, state, acc, "**")
	case "em", "i":
		wrapInline(node, state, acc, "*")
	case "del", "s", "strike":
		wrapInline(node, state, acc, "~~")
	case "code", "kbd", "samp":
		if state.inCodeBlock {
			renderChildren(node, state, acc)
			return
		}
		text := normalizeWhitespace(textContent(node))
		if text == "" {
			return
		}
		fence := "`"
		if strings.Contains(text, "`") {
			fence = "``"
		}
		acc.append(fence + text + fence)
	case "pre":
		renderCodeBlock(node, state, acc)
	case "a":
		renderLink(node, state, acc)
	case "img":
		renderImage(node, state, acc)
	case "ul", "ol":
		renderList(node, tag == "ol", state, acc)
	case "li":
		renderListItem(node, state, acc)
	case "blockquote":
		renderBlockquote(node, state, acc)
	case "table":
		acc.ensureBlankLine()
		acc.append(renderTableToMarkdown(node, state))
		acc.ensureBlankLine()
	default:
		if _, ok := blockLevelTags[tag]; ok {
			blockBoundary(state, acc)
			renderChildren(node, state, acc)
			blockBoundary(state, acc)
			return
		}
		renderChildren(node, state, acc)
	}
}

// blockBoundary separates blocks with a blank line, or a single space inside
// list items so the item stays on its marker line.
func blockBoundary(state *mdState, acc *markdownAccumulator) {
	if len(state.listStack) > 0 {
		acc.ensureSpace()
		return
	}
	acc.ensureBlankLine()
}

func wrapInline(node *html.Node, state *mdState, acc *markdownAccumulator, marker string) {
	text := renderInline(node, state)
	if text == "" {
		return
	}
	acc.append(marker + text + marker)
}

func renderCodeBlock(node *html.Node, state *mdState, acc *markdownAccumulator) {
	lang := codeLanguage(node)
	acc.ensureBlankLine()
	acc.append("```" + lang + "\n")
	sub := newMarkdownAccumulator()
	state.inCodeBlock = true
	renderChildren(node, state, sub)
	state.inCodeBlock = false
	acc.append(strings.Trim(sub.String(), "\n"))
	acc.append("\n```")
	acc.ensureBlankLine()
}

func codeLanguage(pre *html.Node) string {
	candidates := []*html.Node{pre}
	for child := pre.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == "code" {
			candidates = append(candidates, child)
		}
	}
	for _, n := range candidates {
		for _, class := range strings.Fields(getAttr(n, "class")) {
			for _, prefix := range []string{"language-", "lang-"} {
				if strings.HasPrefix(class, prefix) {
					return strings.TrimPrefix(class, prefix)
				}
			}
		}
	}
	return ""
}

func renderLink(node *html.Node, state *mdState, acc *markdownAccumulator) {
	text := renderInline(node, state)
	target := resolveReference(state.base, getAttr(node, "href"))
	if text == "" {
		return
	}
	if target == "" {
		acc.append(text)
		return
	}
	acc.append("[" + escapeBrackets(text) + "](" + target + ")")
}

func renderImage(node *html.Node, state *mdState, acc *markdownAccumulator) {
	src := getAttr(node, "src")
	if src == "" {
		src = getAttr(node, "data-src")
	}
	target := resolveReference(state.base, src)
	if target == "" {
		return
	}
	alt := normalizeWhitespace(getAttr(node, "alt"))
	acc.append("![" + escapeBrackets(alt) + "](" + target + ")")
}

func renderList(node *html.Node, ordered bool, state *mdState, acc *markdownAccumulator) {
	nested := len(state.listStack) > 0
	if nested {
		acc.ensureLineBreak()
	} else {
		acc.ensureBlankLine()
	}
	state.listStack = append(state.listStack, listFrame{ordered: ordered})
	renderChildren(node, state, acc)
	state.listStack = state.listStack[:len(state.listStack)-1]
	if nested {
		acc.ensureLineBreak()
	} else {
		acc.ensureBlankLine()
	}
}

func renderListItem(node *html.Node, state *mdState, acc *markdownAccumulator) {
	if len(state.listStack) == 0 {
		state.listStack = append(state.listStack, listFrame{})
		defer func() { state.listStack = state.listStack[:0] }()
	}
	frame := &state.listStack[len(state.listStack)-1]
	frame.index++
	acc.ensureLineBreak()
	indent := strings.Repeat("  ", len(state.listStack)-1)
	marker := "- "
	if frame.ordered {
		marker = fmt.Sprintf("%d. ", frame.index)
	}
	acc.append(indent + marker)
	renderChildren(node, state, acc)
	acc.ensureLineBreak()
}

func renderBlockquote(node *html.Node, state *mdState, acc *markdownAccumulator) {
	sub := newMarkdownAccumulator()
	outer := state.listStack
	state.listStack = nil
	renderChildren(node, state, sub)
	state.listStack = outer
	body := cleanupMarkdown(sub.String())
	if body == "" {
		return
	}
	acc.ensureBlankLine()
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if i > 0 {
			acc.append("\n")
		}
		if line == "" {
			acc.append(">")
			continue
		}
		acc.append("> " + line)
	}
	acc.ensureBlankLine()
}

func renderTableToMarkdown(table *html.Node, state *mdState) string {
	rows := collectTableRows(table, state)
	if len(rows) == 0 {
		return ""
	}
	headerIdx := -1
	for i, row := range rows {
		if row.header {
			headerIdx = i
			break
		}
	}
	if headerIdx == -1 {
		headerIdx = 0
	}

	colCount := 0
	for _, row := range rows {
		if len(row.cells) > colCount {
			colCount = len(row.cells)
		}
	}
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for j := 0; j < colCount; j++ {
			cell := ""
			if j < len(cells) {
				cell = cells[j]
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(rows[headerIdx].cells)
	b.WriteString("|")
	for i := 0; i < colCount; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for i, row := range rows {
		if i == headerIdx {
			continue
		}
		writeRow(row.cells)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

type tableRow struct {
	cells  []string
	header bool
}

func collectTableRows(node *html.Node, state *mdState) []tableRow {
	var rows []tableRow
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, header bool) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			switch strings.ToLower(child.Data) {
			case "thead":
				walk(child, true)
			case "tbody", "tfoot":
				walk(child, header)
			case "table":
				// Nested tables are flattened into their cell.
			case "tr":
				row := tableRow{header: header}
				for cell := child.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type != html.ElementNode {
						continue
					}
					cellTag := strings.ToLower(cell.Data)
					if cellTag != "td" && cellTag != "th" {
						continue
					}
					if cellTag == "th" {
						row.header = true
					}
					text := renderInline(cell, state)
					row.cells = append(row.cells, strings.ReplaceAll(text, "|", `\|`))
				}
				if len(row.cells) > 0 {
					rows = append(rows, row)
				}
			default:
				walk(child, header)
			}
		}
	}
	walk(node, false)
	return rows
}

var (
	blankRunPattern = regexp.MustCompile(`\n{3,}`)

	blockLevelTags = map[string]struct{}{
		"p": {}, "div": {}, "section": {}, "article": {}, "main": {},
		"header": {}, "footer": {}, "nav": {}, "aside": {}, "form": {},
		"figure": {}, "figcaption": {}, "address": {}, "details": {},
		"summary": {}, "dl": {}, "dt": {}, "dd": {}, "fieldset": {},
		"body": {}, "html": {},
	}
)

// cleanupMarkdown trims trailing spaces and collapses runs of blank lines.
func cleanupMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	joined := strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunPattern.ReplaceAllString(joined, "\n\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func startsWithSpace(s string) bool {
	return s != "" && strings.TrimLeft(s, " \t\n\r\f") != s
}

func endsWithSpace(s string) bool {
	return s != "" && strings.TrimRight(s, " \t\n\r\f") != s
}

func escapeBrackets(s string) string {
	return strings.NewReplacer("[", `\[`, "]", `\]`).Replace(s)
}

func textContent(node *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return b.String()
}

func getAttr(node *html.Node, attr string) string {
	for _, a := range node.Attr {
		if strings.EqualFold(a.Key, attr) {
			return a.Val
		}
	}
	return ""
}
