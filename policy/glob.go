package policy

import (
	"regexp"
	"strings"
)

// CompileGlob translates a shell-style glob (`*`, `?`, `[...]`) into a
// regexp anchored at both ends, for matching branch names against a
// session's include/exclude patterns (spec.md §3 "inclusion and exclusion
// pattern (glob-style) over branch names"). No glob-matching library
// appears anywhere in the retrieved example corpus, so this translates to
// regexp.Regexp on the standard library, the same "translate then match"
// strategy as the reference implementation's own pattern compiler.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(regexp.QuoteMeta("["))
				continue
			}
			cls := pattern[i+1 : j]
			b.WriteString("[")
			if strings.HasPrefix(cls, "!") {
				b.WriteString("^" + cls[1:])
			} else {
				b.WriteString(cls)
			}
			b.WriteString("]")
			i = j
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '\\':
			b.WriteString(regexp.QuoteMeta(string(c)))
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// BranchFilter evaluates a session's include/exclude glob pair against a
// branch name: included iff it matches include and does not match exclude.
type BranchFilter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// NewBranchFilter compiles includeGlob and excludeGlob. An empty
// excludeGlob matches nothing; an empty includeGlob matches everything.
func NewBranchFilter(includeGlob, excludeGlob string) (*BranchFilter, error) {
	f := &BranchFilter{}
	if includeGlob == "" {
		includeGlob = "*"
	}
	inc, err := CompileGlob(includeGlob)
	if err != nil {
		return nil, err
	}
	f.include = inc
	if excludeGlob != "" {
		exc, err := CompileGlob(excludeGlob)
		if err != nil {
			return nil, err
		}
		f.exclude = exc
	}
	return f, nil
}

// Match reports whether branch passes this filter.
func (f *BranchFilter) Match(branch string) bool {
	if !f.include.MatchString(branch) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(branch) {
		return false
	}
	return true
}
