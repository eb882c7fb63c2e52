// Package pathutil implements POSIX-like path normalization and glob-to-LIKE
// translation for the memory store (spec §4.1).
package pathutil

import (
	"strings"

	"github.com/AgentFSorg/agentfs/internal/apierr"
)

const (
	// MaxPathLength is the maximum normalized path length in bytes.
	MaxPathLength = 512
	// MaxSegments is the maximum number of '/'-separated segments.
	MaxSegments = 64
)

// errInvalidPath builds the typed error returned for any normalization failure.
func errInvalidPath() *apierr.Error {
	return apierr.New(400, apierr.CodeInvalidPath, "invalid path")
}

// Normalize validates and normalizes a client-supplied path: it must start
// with '/', consecutive slashes collapse, trailing slash is stripped (except
// root), and '.'/'..' segments are rejected.
func Normalize(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", errInvalidPath()
	}
	if len(p) > MaxPathLength {
		return "", errInvalidPath()
	}

	rawSegments := strings.Split(p, "/")
	segments := make([]string, 0, len(rawSegments))
	for _, seg := range rawSegments {
		if seg == "" {
			continue // collapses consecutive '/' and a leading '/'
		}
		if seg == "." || seg == ".." {
			return "", errInvalidPath()
		}
		segments = append(segments, seg)
	}

	if len(segments) > MaxSegments {
		return "", errInvalidPath()
	}

	if len(segments) == 0 {
		return "/", nil
	}

	normalized := "/" + strings.Join(segments, "/")
	if len(normalized) > MaxPathLength {
		return "", errInvalidPath()
	}
	return normalized, nil
}

// IsReserved reports whether path falls under the read-only /sys namespace.
func IsReserved(path string) bool {
	return path == "/sys" || strings.HasPrefix(path, "/sys/")
}

// ErrReservedPath is returned by callers attempting to write to /sys.
func ErrReservedPath() *apierr.Error {
	return apierr.New(403, apierr.CodeReservedPath, "path is reserved")
}

// EscapeLike escapes '%', '_' and '\' for safe use inside a SQL LIKE literal
// with '\' as the escape character.
func EscapeLike(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PrefixLikePattern builds a LIKE pattern matching everything under prefix
// (prefix + "/" + anything), with LIKE metacharacters in prefix escaped so
// they behave as literals.
func PrefixLikePattern(prefix string) string {
	trimmed := strings.TrimSuffix(prefix, "/")
	return EscapeLike(trimmed) + "/%"
}
