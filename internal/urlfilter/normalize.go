// Package urlfilter canonicalizes URLs and decides which discovered links a
// crawl may follow.
package urlfilter

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrRejected is returned for references that can never be crawled, such as
// mailto: links or fragment-only anchors.
var ErrRejected = errors.New("url rejected")

// Normalize resolves raw against base and returns the canonical form used as
// the visited-set key. An empty base is allowed when raw is absolute.
//
// Canonical URLs have a lower-case scheme and host, no default port, no
// fragment, sorted query parameters, and no trailing slash except for the
// root path. Normalizing a canonical URL returns it unchanged.
func Normalize(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", fmt.Errorf("%w: empty or fragment-only reference", ErrRejected)
	}
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", fmt.Errorf("%w: %s", ErrRejected, prefix)
		}
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	var resolved *url.URL
	if base != "" {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		resolved = baseURL.ResolveReference(ref)
	} else {
		// resolving against itself removes dot segments
		resolved = ref.ResolveReference(ref)
	}

	resolved.Scheme = strings.ToLower(resolved.Scheme)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrRejected, resolved.Scheme)
	}
	resolved.Host = strings.ToLower(resolved.Host)
	if resolved.Scheme == "http" {
		resolved.Host = strings.TrimSuffix(resolved.Host, ":80")
	}
	if resolved.Scheme == "https" {
		resolved.Host = strings.TrimSuffix(resolved.Host, ":443")
	}
	if resolved.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrRejected)
	}

	resolved.Fragment = ""
	resolved.RawFragment = ""
	resolved.ForceQuery = false
	if resolved.RawQuery != "" {
		resolved.RawQuery = resolved.Query().Encode()
	}

	switch {
	case resolved.Path == "":
		resolved.Path = "/"
		resolved.RawPath = ""
	case len(resolved.Path) > 1 && strings.HasSuffix(resolved.Path, "/"):
		resolved.Path = strings.TrimRight(resolved.Path, "/")
		if resolved.Path == "" {
			resolved.Path = "/"
		}
		resolved.RawPath = strings.TrimRight(resolved.RawPath, "/")
	}

	return resolved.String(), nil
}

// Root returns scheme://host for a canonical URL.
func Root(canonical string) (scheme, host string, err error) {
	u, err := url.Parse(canonical)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	return u.Scheme, strings.ToLower(u.Host), nil
}
