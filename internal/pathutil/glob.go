package pathutil

import "strings"

const MaxGlobLength = 512

// ValidateGlobPattern validates a glob pattern's shape: must start with '/',
// bounded length, non-empty segments that aren't '.' or '..'. The glob
// metacharacters themselves ('*', '?', '**') are not path segment content
// and are exempted from the '.'/'..' check.
func ValidateGlobPattern(pattern string) error {
	if pattern == "" || pattern[0] != '/' {
		return errInvalidPath()
	}
	if len(pattern) > MaxGlobLength {
		return errInvalidPath()
	}
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	for _, seg := range segments {
		if seg == "" {
			return errInvalidPath()
		}
		if seg == "." || seg == ".." {
			return errInvalidPath()
		}
	}
	return nil
}

// CompileGlob translates a validated glob pattern into a SQL LIKE pattern
// with '\' as escape char. Rules, applied left to right over the input:
//
//	"**" -> "%"
//	"*"  -> "%"
//	"?"  -> "_"
//	literal '%', '_', '\' -> escaped as '\%', '\_', '\\'
//
// This is a documented LIKE-approximation: '*' may cross '/' boundaries.
func CompileGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 8)

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteByte('%')
				i++ // consume the second '*'
			} else {
				b.WriteByte('%')
			}
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
