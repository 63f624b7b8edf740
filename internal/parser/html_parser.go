// Package parser turns an HTML body into a node tree plus the links and head
// metadata the crawler needs. Diagnostics run over the same tree.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Document is a parsed page.
type Document struct {
	Root         *html.Node
	Base         *url.URL // effective base for relative links
	Title        string
	MetaDesc     string
	MetaRobots   string
	CanonicalURL string
	Links        []Link
}

// Link is an anchor found in the document. URL is resolved against the
// document base but not normalized.
type Link struct {
	URL        string
	Href       string // raw attribute value
	AnchorText string
	Rel        string
	NoFollow   bool
}

// skippedPrefixes are hrefs that never lead to another page.
var skippedPrefixes = []string{"#", "javascript:", "mailto:", "tel:", "data:"}

// Parse parses body as HTML served from baseURL. Links are resolved against
// <base href> when the document declares one.
func Parse(baseURL string, body []byte) (*Document, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc := &Document{Root: root, Base: base}
	if href := findBaseHref(root); href != "" {
		if ref, err := url.Parse(href); err == nil {
			doc.Base = base.ResolveReference(ref)
		}
	}

	doc.traverse(root)
	return doc, nil
}

// findBaseHref returns the href of the first <base> element.
func findBaseHref(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "base" {
		return strings.TrimSpace(attr(n, "href"))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if href := findBaseHref(c); href != "" {
			return href
		}
	}
	return ""
}

func (d *Document) traverse(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if d.Title == "" {
				d.Title = strings.TrimSpace(Text(n))
			}
		case "meta":
			d.parseMeta(n)
		case "link":
			d.parseLink(n)
		case "a":
			d.parseAnchor(n)
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.traverse(c)
	}
}

func (d *Document) parseMeta(n *html.Node) {
	content := attr(n, "content")
	switch strings.ToLower(attr(n, "name")) {
	case "description":
		d.MetaDesc = content
	case "robots":
		d.MetaRobots = content
	}
}

func (d *Document) parseLink(n *html.Node) {
	href := attr(n, "href")
	if !hasToken(attr(n, "rel"), "canonical") || href == "" {
		return
	}
	if abs, err := d.Resolve(href); err == nil {
		d.CanonicalURL = abs
	}
}

func (d *Document) parseAnchor(n *html.Node) {
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" || isSkipped(href) {
		return
	}

	abs, err := d.Resolve(href)
	if err != nil {
		return
	}

	rel := attr(n, "rel")
	d.Links = append(d.Links, Link{
		URL:        abs,
		Href:       href,
		AnchorText: strings.TrimSpace(Text(n)),
		Rel:        rel,
		NoFollow:   hasToken(rel, "nofollow"),
	})
}

// Resolve makes href absolute against the document base. Only http and https
// results are returned.
func (d *Document) Resolve(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	resolved := d.Base.ResolveReference(u)
	switch resolved.Scheme {
	case "http", "https":
		return resolved.String(), nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
}

// Text returns the whitespace-joined text content of n.
func Text(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}

	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := Text(c); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}

func isSkipped(href string) bool {
	lower := strings.ToLower(href)
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
