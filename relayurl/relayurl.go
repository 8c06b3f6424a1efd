// Package relayurl canonicalizes relay URLs so the rest of the module can
// use a single comparable string as a storage and lookup key.
package relayurl

import (
	"net/url"
	"strings"
)

// Canon returns the canonical form of a relay URL. If the input parses as a
// URL, the parser's normalized form is used, with the host lowercased and
// any trailing slashes removed from the path; otherwise the input is
// returned verbatim, per the "parse-or-verbatim" rule relay comparisons
// rely on. Surrounding whitespace is trimmed first in both cases.
//
// Canon is idempotent: Canon(Canon(u)) == Canon(u) for all u.
func Canon(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// Equal reports whether two relay URLs are the same relay once canonicalized.
func Equal(a, b string) bool {
	return Canon(a) == Canon(b)
}
