// Package origin decides whether a cross-origin caller is admitted and which
// CORS response headers it receives.
package origin

import (
	"net/url"
	"sort"
	"strings"
)

const (
	// Wildcard admits every origin.
	Wildcard = "*"
	// VaryOrigin is emitted whenever the allow-origin value depends on the request.
	VaryOrigin = "Origin"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Rule is an immutable admission rule built from configuration.
type Rule struct {
	wildcard bool
	allowed  map[string]struct{}
}

// Headers are the admission header values for one response. Empty fields are not emitted.
type Headers struct {
	AllowOrigin string
	Vary        string
}

// Normalize reduces an origin to scheme://host[:port]. Values that do not parse as
// an absolute URL lose at most one trailing slash, so only the URL form is
// idempotent for inputs ending in several slashes.
func Normalize(origin string) string {
	if origin == "" || origin == Wildcard {
		return origin
	}

	if u, err := url.Parse(origin); err == nil && u.Scheme != "" && u.Host != "" {
		scheme := strings.ToLower(u.Scheme)
		host := strings.ToLower(u.Hostname())
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		if port := u.Port(); port != "" && port != defaultPorts[scheme] {
			host += ":" + port
		}
		return scheme + "://" + host
	}

	return strings.TrimSuffix(origin, "/")
}

// ParseRule builds a rule from a comma-separated list such as ALLOWED_ORIGINS.
func ParseRule(raw string) Rule {
	return NewRule(strings.Split(raw, ","))
}

func NewRule(origins []string) Rule {
	rule := Rule{allowed: make(map[string]struct{}, len(origins))}
	for _, entry := range origins {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == Wildcard {
			rule.wildcard = true
			continue
		}
		rule.allowed[Normalize(entry)] = struct{}{}
	}
	return rule
}

func (r Rule) IsWildcard() bool {
	return r.wildcard
}

// Origins returns the normalized allow-list in sorted order.
func (r Rule) Origins() []string {
	if r.wildcard {
		return []string{Wildcard}
	}
	origins := make([]string, 0, len(r.allowed))
	for o := range r.allowed {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	return origins
}

// IsAllowed admits origin-less callers, everything under a wildcard rule, and
// listed origins after normalization.
func (r Rule) IsAllowed(origin string) bool {
	if origin == "" || r.wildcard {
		return true
	}
	_, ok := r.allowed[Normalize(origin)]
	return ok
}

// HeadersFor computes the admission headers for an admitted origin.
func (r Rule) HeadersFor(origin string) Headers {
	if r.wildcard {
		return Headers{AllowOrigin: Wildcard}
	}
	if origin == "" {
		return Headers{}
	}
	return Headers{
		AllowOrigin: Normalize(origin),
		Vary:        VaryOrigin,
	}
}
