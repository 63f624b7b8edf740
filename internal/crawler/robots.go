package crawler

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/masahif/pageaudit/internal/fetch"
)

// RobotsParser fetches, caches and evaluates robots.txt per host.
type RobotsParser struct {
	httpClient *fetch.HTTPClient
	agent      string // lowercased product token of our User-Agent
	rules      map[string]*RobotRules
	mu         sync.RWMutex
}

// RobotRules contains the parsed rules for a host
type RobotRules struct {
	Disallowed []string
	Allowed    []string
	CrawlDelay time.Duration
	Sitemap    []string
}

// NewRobotsParser creates a robots.txt parser that matches groups for "*"
// and for the product token of userAgent ("PageAudit/1.0" -> "pageaudit").
func NewRobotsParser(httpClient *fetch.HTTPClient, userAgent string) *RobotsParser {
	return &RobotsParser{
		httpClient: httpClient,
		agent:      productToken(userAgent),
		rules:      make(map[string]*RobotRules),
	}
}

func productToken(userAgent string) string {
	token := strings.ToLower(strings.TrimSpace(userAgent))
	if i := strings.IndexAny(token, "/ "); i >= 0 {
		token = token[:i]
	}
	return token
}

// IsAllowed checks if a URL is allowed by robots.txt. Hosts whose robots.txt
// cannot be fetched are treated as allowing everything.
func (r *RobotsParser) IsAllowed(ctx context.Context, urlStr string) (bool, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}

	rules, err := r.getRules(ctx, parsedURL.Host, parsedURL.Scheme)
	if err != nil {
		return true, err
	}

	path := parsedURL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsedURL.RawQuery != "" {
		path += "?" + parsedURL.RawQuery
	}

	for _, pattern := range rules.Disallowed {
		if matchesPattern(path, pattern) {
			// A longer allow rule wins over the disallow.
			for _, allowPattern := range rules.Allowed {
				if matchesPattern(path, allowPattern) && len(allowPattern) > len(pattern) {
					return true, nil
				}
			}
			return false, nil
		}
	}

	return true, nil
}

// CrawlDelay returns the Crawl-delay declared for host, if its rules are cached.
func (r *RobotsParser) CrawlDelay(host string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rules, ok := r.rules[host]; ok {
		return rules.CrawlDelay
	}
	return 0
}

// getRules fetches and parses robots.txt for a host
func (r *RobotsParser) getRules(ctx context.Context, host, scheme string) (*RobotRules, error) {
	r.mu.RLock()
	rules, exists := r.rules[host]
	r.mu.RUnlock()

	if exists {
		return rules, nil
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	resp, err := r.httpClient.Fetch(ctx, robotsURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Unreachable robots.txt allows everything; cache it so the host
		// is not asked again for every page.
		r.store(host, &RobotRules{})
		return nil, err
	}

	switch {
	case resp.StatusCode == 200:
		rules = r.parseRobotsTxt(string(resp.Body))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// No robots.txt means everything is allowed
		rules = &RobotRules{}
	default:
		r.store(host, &RobotRules{})
		return nil, fmt.Errorf("robots.txt: unexpected status code %d", resp.StatusCode)
	}

	r.store(host, rules)
	return rules, nil
}

func (r *RobotsParser) store(host string, rules *RobotRules) {
	r.mu.Lock()
	r.rules[host] = rules
	r.mu.Unlock()
}

// parseRobotsTxt keeps the rules of every group addressed to "*" or to our
// agent. Consecutive User-agent lines share one group.
func (r *RobotsParser) parseRobotsTxt(content string) *RobotRules {
	rules := &RobotRules{}

	scanner := bufio.NewScanner(strings.NewReader(content))
	inGroup := false
	lastWasAgent := false

	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			agent := strings.ToLower(value)
			matches := agent == "*" || (r.agent != "" && strings.Contains(agent, r.agent))
			if lastWasAgent {
				inGroup = inGroup || matches
			} else {
				inGroup = matches
			}
			lastWasAgent = true
			continue

		case "disallow":
			if inGroup && value != "" {
				rules.Disallowed = append(rules.Disallowed, value)
			}

		case "allow":
			if inGroup && value != "" {
				rules.Allowed = append(rules.Allowed, value)
			}

		case "crawl-delay":
			if inGroup {
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
					rules.CrawlDelay = time.Duration(secs * float64(time.Second))
				}
			}

		case "sitemap":
			rules.Sitemap = append(rules.Sitemap, value)
		}
		lastWasAgent = false
	}

	return rules
}

// matchesPattern checks if a path matches a robots.txt pattern
func matchesPattern(path, pattern string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")

	if !strings.Contains(pattern, "*") {
		if anchored {
			return path == pattern
		}
		return strings.HasPrefix(path, pattern)
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}

	remaining := path[len(parts[0]):]
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(remaining, parts[i])
		if idx == -1 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}

	if anchored && parts[len(parts)-1] != "" {
		return strings.HasSuffix(path, parts[len(parts)-1])
	}
	return true
}
