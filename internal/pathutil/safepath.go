// Package pathutil validates request paths before they are mapped onto
// an instance tree.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SafeRelPath returns p without leading slashes if it is a plain relative
// slash path: non-empty, no NUL or backslash, no "." or ".." segments and
// no empty segments.
func SafeRelPath(p string) (string, bool) {
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.ContainsAny(p, "\x00\\") || HasDotSegments(p) {
		return "", false
	}
	if strings.Contains(p, "//") || strings.HasSuffix(p, "/") {
		return "", false
	}
	return p, true
}

// IsSafeSegment reports whether s can be used as a single path element.
func IsSafeSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\\x00") && s != "." && s != ".."
}
