// Package robots parses robots.txt directives and resolves one cached policy
// per domain for the lifetime of a crawl.
package robots

import (
	"bufio"
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxCrawlDelay caps absurd Crawl-delay values so one host cannot stall a crawl.
const maxCrawlDelay = time.Minute

// Policy holds the directives that apply to this crawler on one domain.
// A Policy is never modified after it is cached.
type Policy struct {
	Domain      string
	Disallow    []string
	Allow       []string
	CrawlDelay  time.Duration
	Sitemaps    []string
	FetchedAt   time.Time
	FetchFailed bool

	rules []rule
}

type rule struct {
	allow   bool
	length  int
	pattern *regexp.Regexp
}

// Permissive returns a policy without rules for domain.
func Permissive(domain string) Policy {
	return Policy{Domain: domain}
}

// IsAllowed reports whether rawURL may be fetched. The longest matching rule
// wins and an allow rule wins a tie. Paths compare case-sensitively.
func (p Policy) IsAllowed(rawURL string) bool {
	target := "/"
	if u, err := url.Parse(rawURL); err == nil {
		target = u.EscapedPath()
		if target == "" {
			target = "/"
		}
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}
	if target == "/robots.txt" {
		return true
	}

	best := -1
	allowed := true
	for _, r := range p.rules {
		if !r.pattern.MatchString(target) {
			continue
		}
		if r.length > best || (r.length == best && r.allow) {
			best = r.length
			allowed = r.allow
		}
	}
	return allowed
}

// Delay returns the Crawl-delay directive, zero when absent.
func (p Policy) Delay() time.Duration {
	return p.CrawlDelay
}

// Parse extracts the group that applies to agent from a robots.txt body.
// Groups naming agent beat the "*" group; several groups for the same agent
// are merged. Malformed lines are ignored.
func Parse(domain string, body []byte, agent string) Policy {
	agent = strings.ToLower(strings.TrimSpace(agent))
	groups := parseGroups(body)

	policy := Policy{Domain: domain, Sitemaps: groups.sitemaps}
	selected := selectGroups(groups.groups, agent)
	for _, g := range selected {
		for _, d := range g.directives {
			compiled, ok := compileRule(d.value, d.allow)
			if !ok {
				continue
			}
			if d.allow {
				policy.Allow = append(policy.Allow, d.value)
			} else {
				policy.Disallow = append(policy.Disallow, d.value)
			}
			policy.rules = append(policy.rules, compiled)
		}
		if g.delay > policy.CrawlDelay {
			policy.CrawlDelay = g.delay
		}
	}
	return policy
}

type directive struct {
	allow bool
	value string
}

type group struct {
	agents     []string
	directives []directive
	delay      time.Duration
}

type parsedFile struct {
	groups   []*group
	sitemaps []string
}

func parseGroups(body []byte) parsedFile {
	var (
		out     parsedFile
		current *group
		// a user-agent line after rules opens a new group
		inRules bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if current == nil || inRules {
				current = &group{}
				out.groups = append(out.groups, current)
				inRules = false
			}
			current.agents = append(current.agents, strings.ToLower(value))
		case "allow", "disallow":
			if current == nil {
				continue
			}
			inRules = true
			current.directives = append(current.directives, directive{allow: key == "allow", value: value})
		case "crawl-delay":
			if current == nil {
				continue
			}
			inRules = true
			current.delay = parseDelay(value)
		case "sitemap":
			if value != "" {
				out.sitemaps = append(out.sitemaps, value)
			}
		}
	}
	return out
}

func selectGroups(groups []*group, agent string) []*group {
	var (
		specific  []*group
		wildcard  []*group
		bestMatch int
	)
	for _, g := range groups {
		for _, name := range g.agents {
			switch {
			case name == "":
				continue
			case name == "*":
				wildcard = append(wildcard, g)
			case agent != "" && strings.HasPrefix(agent, name):
				if len(name) > bestMatch {
					bestMatch = len(name)
					specific = specific[:0]
				}
				if len(name) == bestMatch {
					specific = append(specific, g)
				}
			default:
				continue
			}
			break
		}
	}
	if len(specific) > 0 {
		return specific
	}
	return wildcard
}

func parseDelay(value string) time.Duration {
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxCrawlDelay {
		return maxCrawlDelay
	}
	return delay
}

// compileRule turns a path pattern with "*" wildcards and an optional "$"
// anchor into a prefix matcher. Empty patterns match nothing.
func compileRule(value string, allow bool) (rule, bool) {
	if value == "" {
		return rule{}, false
	}
	if !strings.HasPrefix(value, "/") && !strings.HasPrefix(value, "*") {
		value = "/" + value
	}
	anchored := strings.HasSuffix(value, "$")
	body := strings.TrimSuffix(value, "$")

	parts := strings.Split(body, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	expr := "^" + strings.Join(parts, ".*")
	if anchored {
		expr += "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return rule{}, false
	}
	return rule{allow: allow, length: len(value), pattern: re}, true
}
