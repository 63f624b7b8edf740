// Package urlnorm canonicalizes URLs so that equivalent addresses compare equal
// and decides which URLs may enter the crawl frontier. Normalization fails
// closed: input that cannot be canonicalized unambiguously is rejected.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	ErrEmpty             = errors.New("urlnorm: empty url")
	ErrMalformed         = errors.New("urlnorm: malformed url")
	ErrUnsupportedScheme = errors.New("urlnorm: unsupported scheme")
	ErrMissingHost       = errors.New("urlnorm: missing host")
	ErrAmbiguous         = errors.New("urlnorm: ambiguous url")
	ErrBlockedExtension  = errors.New("urlnorm: blocked extension")
	ErrBlockedPath       = errors.New("urlnorm: blocked path")
	ErrFiltered          = errors.New("urlnorm: filtered by pattern")
	ErrFragmentOnly      = errors.New("urlnorm: fragment-only reference")
)

// trackingParams are stripped when the query string is kept.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"gclsrc":       {},
	"dclid":        {},
	"msclkid":      {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var repeatedSlashes = regexp.MustCompile(`/{2,}`)

// Policy configures a Normalizer.
type Policy struct {
	StripQuery        bool
	BlockedExtensions []string
	BlockedPaths      []string
	Include           []string // regexes, URL must match one when non-empty
	Exclude           []string // regexes, URL must match none
}

// Normalizer canonicalizes URLs under a fixed Policy. It is safe for
// concurrent use.
type Normalizer struct {
	stripQuery bool
	extensions map[string]struct{}
	paths      []string
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
}

// New compiles a Policy into a Normalizer.
func New(p Policy) (*Normalizer, error) {
	n := &Normalizer{
		stripQuery: p.StripQuery,
		extensions: make(map[string]struct{}, len(p.BlockedExtensions)),
	}

	for _, ext := range p.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		n.extensions[ext] = struct{}{}
	}

	for _, p := range p.BlockedPaths {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			n.paths = append(n.paths, p)
		}
	}

	var err error
	if n.include, err = compileAll(p.Include); err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	if n.exclude, err = compileAll(p.Exclude); err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}

	return n, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Normalize returns the canonical form of an absolute URL, or an error
// explaining why the URL is excluded from the frontier.
func (n *Normalizer) Normalize(raw string) (string, error) {
	canonical, err := canonicalize(raw, n.stripQuery)
	if err != nil {
		return "", err
	}
	if err := n.admit(canonical, writtenPath(raw)); err != nil {
		return "", err
	}
	return canonical, nil
}

// Resolve resolves href against base and normalizes the result.
func (n *Normalizer) Resolve(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", ErrEmpty
	}
	if strings.HasPrefix(href, "#") {
		return "", ErrFragmentOnly
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ref.Scheme != "" && !isHTTPScheme(ref.Scheme) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, ref.Scheme)
	}

	return n.Normalize(base.ResolveReference(ref).String())
}

// writtenPath is the lowercased path of raw before the trailing slash is
// stripped, so "/feed/" still reads as a listing.
func writtenPath(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(repeatedSlashes.ReplaceAllString(u.Path, "/"))
}

func (n *Normalizer) admit(canonical, written string) error {
	u, err := url.Parse(canonical)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	lowerPath := strings.ToLower(u.Path)
	if ext := path.Ext(lowerPath); ext != "" {
		if _, blocked := n.extensions[ext]; blocked {
			return fmt.Errorf("%w: %s", ErrBlockedExtension, ext)
		}
	}

	// Patterns match the path as written: "/page/" blocks /page/2 and
	// /page/ but not a leaf page named /page.
	for _, p := range n.paths {
		if strings.Contains(lowerPath, p) || strings.Contains(written, p) {
			return fmt.Errorf("%w: %s", ErrBlockedPath, p)
		}
	}

	if len(n.include) > 0 {
		matched := false
		for _, re := range n.include {
			if re.MatchString(canonical) {
				matched = true
				break
			}
		}
		if !matched {
			return ErrFiltered
		}
	}

	for _, re := range n.exclude {
		if re.MatchString(canonical) {
			return ErrFiltered
		}
	}

	return nil
}

// canonicalize applies the deterministic rewrite rules without any policy
// filtering. canonicalize(canonicalize(u)) == canonicalize(u).
func canonicalize(raw string, stripQuery bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !isHTTPScheme(scheme) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Opaque != "" {
		return "", ErrAmbiguous
	}
	if u.User != nil {
		return "", ErrAmbiguous
	}

	hostname := strings.ToLower(strings.TrimRight(u.Hostname(), "."))
	if hostname == "" {
		return "", ErrMissingHost
	}
	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(normalizePath(u.EscapedPath()))

	if !stripQuery {
		if q := cleanQuery(u.Query()); q != "" {
			b.WriteByte('?')
			b.WriteString(q)
		}
	}

	return b.String(), nil
}

// normalizePath collapses duplicate separators, resolves dot-segments and
// strips the trailing slash while preserving the root "/".
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	p = repeatedSlashes.ReplaceAllString(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

func cleanQuery(values url.Values) string {
	for key := range values {
		if _, tracking := trackingParams[strings.ToLower(key)]; tracking {
			values.Del(key)
		}
	}
	// Encode sorts by key
	return values.Encode()
}

func isHTTPScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}
