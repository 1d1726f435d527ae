// Package symbolicate resolves minified JavaScript stack frames back to
// original source locations using uploaded source-map bundles.
package symbolicate

import (
	"path"
	"strings"
)

// InAppForPath classifies a resolved source path. The zero return with
// ok=false means the frame's existing in_app is left unchanged.
func InAppForPath(p string) (inApp, ok bool) {
	switch {
	case strings.HasPrefix(p, "webpack://"):
		rest := strings.TrimPrefix(p, "webpack://")
		// Drop the optional webpack namespace ("webpack://ns/./src/x.ts").
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[idx+1:]
		}
		if strings.Contains(rest, "/node_modules/") || strings.HasPrefix(rest, "~/") {
			return false, true
		}
		if strings.HasPrefix(rest, "./") {
			return true, true
		}
		return false, true
	case strings.HasPrefix(p, "app:"):
		if strings.Contains(p, "/node_modules/") {
			return false, true
		}
		return true, true
	case strings.Contains(p, "/node_modules/"):
		return false, true
	}
	return false, false
}

// CleanPath normalizes a source-map source path into the filename stored on
// the frame: webpack and app scheme prefixes are stripped, "~/" becomes a
// node_modules reference, and leading "./" is removed.
func CleanPath(p string) string {
	if strings.HasPrefix(p, "webpack://") {
		rest := strings.TrimPrefix(p, "webpack://")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[idx+1:]
		}
		p = rest
	}
	p = strings.TrimPrefix(p, "app://")
	p = strings.TrimPrefix(p, "app:")
	if strings.HasPrefix(p, "~/") {
		p = "node_modules/" + strings.TrimPrefix(p, "~/")
	}
	p = strings.TrimPrefix(p, "./")
	return p
}

// ModuleName derives the generated module name from a cleaned path: the
// path without its extension.
func ModuleName(cleaned string) string {
	ext := path.Ext(cleaned)
	return strings.TrimSuffix(cleaned, ext)
}

// Basename returns the final path segment of a URL or file path, ignoring
// query strings and fragments.
func Basename(p string) string {
	if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(p)
}
