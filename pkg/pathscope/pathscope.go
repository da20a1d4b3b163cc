// Package pathscope matches project-relative paths against a teammate's
// authorized paths. An entry is either a directory prefix ("api", "api/")
// or a glob ("api/**/*.json", "docs/*.md").
package pathscope

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Scope is a compiled set of authorized path entries
type Scope struct {
	prefixes []string
	globs    []*regexp.Regexp
	open     bool
}

// New compiles entries. An empty list, ".", or "**" allows every path.
func New(entries []string) (*Scope, error) {
	s := &Scope{open: len(entries) == 0}
	for _, e := range entries {
		e = Normalize(e)
		if e == "" || e == "." || e == "**" {
			s.open = true
			continue
		}
		if !IsGlob(e) {
			s.prefixes = append(s.prefixes, e)
			continue
		}
		if base := strings.TrimSuffix(e, "/**"); base != e && !IsGlob(base) {
			s.prefixes = append(s.prefixes, base)
			continue
		}
		re, err := globToRegex(e)
		if err != nil {
			return nil, fmt.Errorf("invalid authorized path %q: %w", e, err)
		}
		s.globs = append(s.globs, re)
	}
	return s, nil
}

// Allows reports whether rel, relative to the project root, is in scope
func (s *Scope) Allows(rel string) bool {
	if s == nil || s.open {
		return true
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if Escapes(rel) {
		return false
	}
	for _, p := range s.prefixes {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	for _, re := range s.globs {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// Unrestricted reports whether the scope allows every path
func (s *Scope) Unrestricted() bool {
	return s == nil || s.open
}

// Allowed checks rel against entries without a compiled scope. Entries that
// do not compile match nothing.
func Allowed(rel string, entries []string) bool {
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if s, err := New([]string{e}); err == nil && s.Allows(rel) {
			return true
		}
	}
	return false
}

// IsGlob reports whether the entry contains glob wildcards
func IsGlob(entry string) bool {
	return strings.ContainsAny(entry, "*?[")
}

// Normalize converts separators to slashes and strips "./" and trailing slashes
func Normalize(entry string) string {
	entry = strings.TrimSpace(strings.ReplaceAll(entry, "\\", "/"))
	for strings.HasPrefix(entry, "./") {
		entry = strings.TrimPrefix(entry, "./")
	}
	return strings.TrimRight(entry, "/")
}

// Escapes reports whether a relative path climbs out of the project root
func Escapes(p string) bool {
	p = filepath.ToSlash(filepath.Clean(p))
	return p == ".." || strings.HasPrefix(p, "../")
}

func globToRegex(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				// ** crosses directories; a trailing slash is folded in so "**/x" matches "x"
				b.WriteString(".*")
				i += 2
				if i < len(pattern) && pattern[i] == '/' {
					i++
				}
				continue
			}
			b.WriteString("[^/]*")
			i++
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			end := strings.IndexByte(pattern[j:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				i++
				continue
			}
			class := pattern[j : j+end]
			if pattern[i+1] == '!' {
				b.WriteString("[^" + class + "]")
			} else {
				b.WriteString("[" + class + "]")
			}
			i = j + end + 1
		case '\\':
			if i+1 < len(pattern) {
				b.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
				continue
			}
			b.WriteString(`\\`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}
