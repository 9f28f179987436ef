package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose text content is boilerplate,
// not page content.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Button:   true,
	atom.Select:   true,
	atom.Template: true,
}

// extractHTML parses an HTML document and returns the page title and
// readable body text.
func extractHTML(src string) (title, content string) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		// Fall back to crude tag stripping on parse failure.
		return "", cleanWhitespace(stripTags(src))
	}

	title = findTitle(doc)

	var body *html.Node
	var findBody func(*html.Node)
	findBody = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if body != nil {
				return
			}
			findBody(c)
		}
	}
	findBody(doc)

	if body == nil {
		body = doc
	}

	// Prefer <main> or <article> if present; they mark the primary
	// content on most documentation sites.
	if main := findFirst(body, atom.Main, atom.Article); main != nil {
		body = main
	}

	var sb strings.Builder
	extractText(body, &sb)
	return title, cleanWhitespace(sb.String())
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return strings.TrimSpace(getTextContent(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func findFirst(n *html.Node, atoms ...atom.Atom) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range atoms {
			if n.DataAtom == a {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, atoms...); found != nil {
			return found
		}
	}
	return nil
}

func getTextContent(n *html.Node) string {
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

// extractText walks the tree appending text content, inserting
// newlines around block-level elements so structure survives.
func extractText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skipElements[n.DataAtom] {
		return
	}

	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}

	block := n.Type == html.ElementNode && isBlockElement(n.DataAtom)
	if block {
		sb.WriteString("\n")
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb)
	}

	if block {
		sb.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Li, atom.Table, atom.Tr, atom.Td, atom.Th,
		atom.Blockquote, atom.Pre, atom.Br, atom.Hr, atom.Dl, atom.Dt, atom.Dd,
		atom.Figure, atom.Figcaption:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of blank lines and trims each line.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// stripTags removes HTML tags using the tokenizer. Used as a fallback
// when full parsing fails.
func stripTags(src string) string {
	var sb strings.Builder
	tok := html.NewTokenizer(strings.NewReader(src))
	skip := 0
	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken:
			name, _ := tok.TagName()
			if a := atom.Lookup(name); skipElements[a] {
				skip++
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if a := atom.Lookup(name); skipElements[a] && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(tok.Text())
				sb.WriteString(" ")
			}
		}
	}
}
