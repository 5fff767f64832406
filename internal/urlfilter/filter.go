package urlfilter

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Reason explains why Accept turned a URL down.
type Reason string

// Rejection reasons.
const (
	ReasonNone              Reason = ""
	ReasonInvalid           Reason = "invalid_url"
	ReasonDepth             Reason = "max_depth"
	ReasonExternalHost      Reason = "external_host"
	ReasonBlockedDomain     Reason = "blocked_domain"
	ReasonExcludePattern    Reason = "exclude_pattern"
	ReasonNoIncludeMatch    Reason = "include_pattern"
	ReasonOutsideStartPath  Reason = "outside_start_path"
	ReasonExcludedExtension Reason = "excluded_extension"
)

// Decision is the outcome of a filter check.
type Decision struct {
	Accepted bool
	Reason   Reason
}

func accept() Decision {
	return Decision{Accepted: true}
}

func reject(reason Reason) Decision {
	return Decision{Reason: reason}
}

// excludedExtensions lists non-document resources that are never crawled.
var excludedExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".rar": {}, ".7z": {},
	".exe": {}, ".dmg": {}, ".iso": {}, ".bin": {}, ".msi": {}, ".apk": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".webm": {}, ".ogg": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {}, ".webp": {}, ".bmp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {}, ".rss": {},
}

// Config holds the crawl-scoped knobs a Policy enforces.
type Config struct {
	StartURL        string
	MaxDepth        int
	IncludePatterns []string
	ExcludePatterns []string
	AllowBackwards  bool
	AllowExternal   bool
	DenyDomains     []string
}

// Policy is an immutable URL admission policy. It holds no mutable state and
// is safe for concurrent use.
type Policy struct {
	startHost  string
	startPath  string
	maxDepth   int
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	backwards  bool
	external   bool
	denyDomain *domainPatternBlocklist
}

// NewPolicy compiles a Policy. The start URL must already be canonical.
func NewPolicy(cfg Config) (*Policy, error) {
	start, err := url.Parse(cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be >= 0, got %d", cfg.MaxDepth)
	}
	include, err := compilePatterns(cfg.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compilePatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	return &Policy{
		startHost:  strings.ToLower(start.Host),
		startPath:  scopePath(start.Path),
		maxDepth:   cfg.MaxDepth,
		include:    include,
		exclude:    exclude,
		backwards:  cfg.AllowBackwards,
		external:   cfg.AllowExternal,
		denyDomain: newDomainPatternBlocklist(cfg.DenyDomains),
	}, nil
}

// MaxDepth returns the configured depth bound.
func (p *Policy) MaxDepth() int {
	return p.maxDepth
}

// Accept checks a canonical URL discovered at the given depth.
func (p *Policy) Accept(canonical string, depth int) Decision {
	if depth > p.maxDepth {
		return reject(ReasonDepth)
	}
	u, err := url.Parse(canonical)
	if err != nil || u.Host == "" {
		return reject(ReasonInvalid)
	}
	host := strings.ToLower(u.Host)
	if p.denyDomain.IsBlocked(u.Hostname()) {
		return reject(ReasonBlockedDomain)
	}
	if host != p.startHost && !p.external {
		return reject(ReasonExternalHost)
	}
	for _, re := range p.exclude {
		if re.MatchString(canonical) {
			return reject(ReasonExcludePattern)
		}
	}
	if len(p.include) > 0 && !matchesAny(p.include, canonical) {
		return reject(ReasonNoIncludeMatch)
	}
	if !p.backwards && host == p.startHost && !isDescendant(u.Path, p.startPath) {
		return reject(ReasonOutsideStartPath)
	}
	if _, skip := excludedExtensions[strings.ToLower(path.Ext(u.Path))]; skip {
		return reject(ReasonExcludedExtension)
	}
	return accept()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", raw, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, value string) bool {
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// scopePath returns the directory that bounds descendant checks. A start URL
// naming a document ("/docs/index.html") scopes to its directory.
func scopePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if path.Ext(path.Base(p)) != "" {
		p = path.Dir(p)
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

func isDescendant(candidate, scope string) bool {
	if scope == "/" {
		return true
	}
	if candidate == "" {
		candidate = "/"
	}
	return candidate == scope || strings.HasPrefix(candidate, scope+"/")
}
