package pathutil

import (
	"io/fs"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// AssetName checks the wildcard tail of a static asset URL and returns the
// name to open in an fs.FS. Directories, dot segments, hidden files and
// backslashes are refused.
func AssetName(tail string) (string, bool) {
	if tail == "" || strings.HasSuffix(tail, "/") || strings.ContainsRune(tail, '\\') {
		return "", false
	}
	if HasDotSegments(tail) || !fs.ValidPath(tail) {
		return "", false
	}
	for _, seg := range strings.Split(tail, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", false
		}
	}
	return tail, true
}
