package keys

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	metricsPrefix = "urlmetrics"
	lockPrefix    = "urlmetrics:lock"
)

// URLMetricsKey is the storage key for every URL Metric collected for rawURL.
func URLMetricsKey(rawURL string) string {
	return fmt.Sprintf("%s:%s", metricsPrefix, Slug(rawURL))
}

// Slug identifies a URL independent of spelling variants that address the same page:
// case of scheme and host, default ports, fragments and query parameter order.
// A readable prefix is kept for operators scanning keys.
func Slug(rawURL string) string {
	norm := NormalizeURL(rawURL)
	readable := sanitizeForKey(strings.TrimPrefix(strings.TrimPrefix(norm, "https://"), "http://"))

	const maxReadableLen = 96
	if len(readable) > maxReadableLen {
		readable = readable[:maxReadableLen]
	}
	return fmt.Sprintf("%s:u=%016x", readable, xxhash.Sum64String(norm))
}

// LockKey is the storage lock key for one submitting client.
func LockKey(clientID string) string {
	return fmt.Sprintf("%s:%016x", lockPrefix, xxhash.Sum64String(collapseASCIIWhitespace(clientID)))
}

// Fingerprint hashes the parts describing the current rendering environment into an
// opaque ETag.
func Fingerprint(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(strings.TrimSpace(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// NormalizeURL returns a canonical spelling of rawURL. Unparseable input is returned
// trimmed so it still maps to a stable key.
func NormalizeURL(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	u.Host = host
	if port != "" {
		u.Host = host + ":" + port
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	// Encode sorts by key.
	u.RawQuery = u.Query().Encode()
	return u.String()
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including '/', ':' and non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return strings.Trim(b.String(), "-_")
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
