package anoncache

import (
	"net/url"
	"strings"

	"github.com/discourse/discourse-sub105/pkg/classify"
)

// Key identifies a cached response: the cohort facts that change served
// markup plus the normalized URL. Two requests with the same Key must
// deserve byte-identical responses.
type Key struct {
	// Cohort facts.
	Mobile      bool
	Crawler     bool
	Locale      string
	ColorScheme string

	// Normalized URL parts. Host is lowercased, path case preserved,
	// query kept in the order the client sent it.
	Host     string
	Path     string
	RawQuery string
}

// NewKey builds the cache key for classified request facts.
// stripParams names query parameters that are irrelevant to the cached
// content (tracking parameters and the like) and are dropped from the
// key; remaining parameters keep their original order.
func NewKey(f classify.Facts, stripParams []string) Key {
	return Key{
		Mobile:      f.IsMobile,
		Crawler:     f.IsCrawler,
		Locale:      f.Locale,
		ColorScheme: f.ColorScheme,
		Host:        strings.ToLower(f.Host),
		Path:        f.Path,
		RawQuery:    stripQueryParams(f.RawQuery, stripParams),
	}
}

// String renders the key in a deterministic, collision-free format:
// cohort fields first, then the normalized URL. Locale and color scheme
// come from client-controlled cookies and are percent-escaped so the
// field separators cannot be forged into a colliding key.
//
// Example:
//
//	anon:m=1:c=0:l=fr:cs=dark|example.com/topic/5?page=2
func (k Key) String() string {
	var b strings.Builder
	b.WriteString("anon:m=")
	b.WriteString(flag(k.Mobile))
	b.WriteString(":c=")
	b.WriteString(flag(k.Crawler))
	b.WriteString(":l=")
	b.WriteString(url.QueryEscape(k.Locale))
	b.WriteString(":cs=")
	b.WriteString(url.QueryEscape(k.ColorScheme))
	b.WriteString("|")
	b.WriteString(k.Host)
	b.WriteString(k.Path)
	if k.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(k.RawQuery)
	}
	return b.String()
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// stripQueryParams removes the named parameters from a raw query string
// while preserving the order of everything else. Parameter order is
// deliberately not canonicalized: reordered queries are treated as
// distinct entries, mirroring upstream behavior.
func stripQueryParams(rawQuery string, strip []string) string {
	if rawQuery == "" || len(strip) == 0 {
		return rawQuery
	}
	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(rawQuery, "&") {
		name := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			name = pair[:i]
		}
		if !contains(strip, name) {
			kept = append(kept, pair)
		}
	}
	return strings.Join(kept, "&")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
