// Package classify derives per-request facts used by the anonymous
// response cache and the rate limiter stack. Classification is a pure
// function over the raw request: it never fails, and anything it cannot
// recognize resolves to the safe default (not mobile, not crawler, no
// special flags).
package classify

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Default request headers and cookie names inspected by the classifier.
const (
	// HeaderForceAnonymous lets a logged-in-looking request opt in to
	// being treated as anonymous for caching purposes.
	HeaderForceAnonymous = "X-Force-Anonymous"

	// HeaderBypassCache forces the request past the cache entirely.
	HeaderBypassCache = "X-Anon-Cache-Bypass"

	// DefaultAuthCookie is the session cookie name fragment whose mere
	// presence marks a request as authenticated.
	DefaultAuthCookie = "_t="

	// DefaultLocaleCookie and DefaultColorSchemeCookie carry
	// user-visible presentation preferences that change served markup.
	DefaultLocaleCookie      = "locale"
	DefaultColorSchemeCookie = "color_scheme"
)

// Conservative UA tables. Over-matching is harmless here (a human
// misclassified as a crawler just lands in the crawler cohort); the
// patterns err on the broad side.
var (
	crawlerRe = regexp.MustCompile(`(?i)bot|crawl|spider|slurp|curl|wget|facebookexternalhit|mediapartners|headless`)
	mobileRe  = regexp.MustCompile(`(?i)mobile|android|iphone|ipod|blackberry|windows phone|opera mini`)
)

// Facts is the immutable per-request classification result. It is
// constructed once at request entry and read-only thereafter.
type Facts struct {
	Method   string
	Host     string
	Path     string
	RawQuery string

	ClientIP string

	HasAuthCookie  bool
	IsMobile       bool
	IsCrawler      bool
	ForceAnonymous bool
	BypassCache    bool

	Locale      string
	ColorScheme string
}

// CacheableMethod reports whether the request method may ever be served
// from or stored in the anonymous cache. Mutating methods never are.
func (f Facts) CacheableMethod() bool {
	return f.Method == http.MethodGet || f.Method == http.MethodHead
}

// Cacheable reports whether the request is eligible for the anonymous
// cache at all: a cacheable method, no authentication cookie (unless
// the request forced anonymous treatment), and no explicit bypass.
func (f Facts) Cacheable() bool {
	if !f.CacheableMethod() || f.BypassCache {
		return false
	}
	return !f.HasAuthCookie || f.ForceAnonymous
}

// Classifier turns raw requests into Facts.
//
// The auth cookie check is a substring match on the raw Cookie header.
// That is deliberate: cache safety only needs a conservative yes/no
// signal, and a false positive merely costs a cache hit, while a false
// negative would leak personalized content to anonymous users.
type Classifier struct {
	// AuthCookie is the cookie name fragment that marks a request as
	// authenticated. Defaults to DefaultAuthCookie.
	AuthCookie string

	// LocaleCookie and ColorSchemeCookie name the preference cookies.
	LocaleCookie      string
	ColorSchemeCookie string

	// TrustForwardedFor makes ClientIP honor the first entry of the
	// X-Forwarded-For header. Only enable behind a trusted proxy.
	TrustForwardedFor bool
}

// NewClassifier returns a Classifier with the default cookie names.
func NewClassifier() *Classifier {
	return &Classifier{
		AuthCookie:        DefaultAuthCookie,
		LocaleCookie:      DefaultLocaleCookie,
		ColorSchemeCookie: DefaultColorSchemeCookie,
	}
}

// Classify derives Facts from the request. Total and side-effect free.
func (c *Classifier) Classify(r *http.Request) Facts {
	ua := r.Header.Get("User-Agent")

	f := Facts{
		Method:         r.Method,
		Host:           strings.ToLower(r.Host),
		Path:           r.URL.Path,
		RawQuery:       r.URL.RawQuery,
		ClientIP:       c.clientIP(r),
		HasAuthCookie:  strings.Contains(r.Header.Get("Cookie"), c.authCookie()),
		IsCrawler:      ua != "" && crawlerRe.MatchString(ua),
		ForceAnonymous: r.Header.Get(HeaderForceAnonymous) != "",
		BypassCache:    r.Header.Get(HeaderBypassCache) != "",
	}

	// Crawler wins over mobile: crawler UAs often claim to be mobile
	// browsers, and the crawler cohort is the one serving them.
	if !f.IsCrawler {
		f.IsMobile = ua != "" && mobileRe.MatchString(ua)
	}

	if cookie, err := r.Cookie(c.localeCookie()); err == nil {
		f.Locale = cookie.Value
	}
	if cookie, err := r.Cookie(c.colorSchemeCookie()); err == nil {
		f.ColorScheme = cookie.Value
	}

	return f
}

// clientIP resolves the client address, preferring the first
// X-Forwarded-For entry when the deployment trusts its proxy.
func (c *Classifier) clientIP(r *http.Request) string {
	if c.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func (c *Classifier) authCookie() string {
	if c.AuthCookie != "" {
		return c.AuthCookie
	}
	return DefaultAuthCookie
}

func (c *Classifier) localeCookie() string {
	if c.LocaleCookie != "" {
		return c.LocaleCookie
	}
	return DefaultLocaleCookie
}

func (c *Classifier) colorSchemeCookie() string {
	if c.ColorSchemeCookie != "" {
		return c.ColorSchemeCookie
	}
	return DefaultColorSchemeCookie
}
