package policy

import (
	"regexp"
	"strings"
)

// Compile converts a DN glob pattern to an anchored regular expression.
// '*' matches any run of characters, '?' any single character, '.' is
// taken literally. Everything else is quoted.
func Compile(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// Match reports whether name matches any pattern in the list. A malformed
// pattern never matches (fail closed) and never aborts evaluation. An
// empty list never matches; the caller decides what absence of a policy
// means for its command.
func Match(patterns []string, name string) bool {
	for _, p := range patterns {
		re, err := Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// List is an ordered allow-list of DN glob patterns.
type List []string

// Matches reports whether name matches any entry.
func (l List) Matches(name string) bool {
	return Match(l, name)
}

// Empty reports whether no patterns are configured, meaning the policy is
// not applicable and the command's default applies.
func (l List) Empty() bool {
	return len(l) == 0
}

// Split parses a stored per-credential policy string, a comma- or
// whitespace-separated pattern list, into a List.
func Split(s string) List {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	return List(fields)
}
