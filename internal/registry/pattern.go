package registry

import (
	"errors"
	"regexp"
	"strings"
)

// LiteralPrefix forces substring matching even when the pattern is a valid regexp.
const LiteralPrefix = "literal:"

// ErrEmptyPattern is returned when a match pattern is blank.
var ErrEmptyPattern = errors.New("match pattern must not be empty")

// Pattern matches full command lines as reported by the OS process table.
// A pattern is compiled as a regular expression; when it does not compile
// (or carries LiteralPrefix) it is matched as a plain substring.
type Pattern struct {
	raw    string
	substr string
	re     *regexp.Regexp
}

// Compile parses raw into a Pattern.
func Compile(raw string) (Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return Pattern{}, ErrEmptyPattern
	}
	if s, ok := strings.CutPrefix(raw, LiteralPrefix); ok {
		if s == "" {
			return Pattern{}, ErrEmptyPattern
		}
		return Pattern{raw: raw, substr: s}, nil
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return Pattern{raw: raw, substr: raw}, nil
	}
	return Pattern{raw: raw, re: re}, nil
}

// Match reports whether cmdline matches. Empty command lines (kernel threads,
// zombies) never match.
func (p Pattern) Match(cmdline string) bool {
	if cmdline == "" {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(cmdline)
	}
	return p.substr != "" && strings.Contains(cmdline, p.substr)
}

func (p Pattern) String() string { return p.raw }

// Literal reports whether the pattern is matched as a substring.
func (p Pattern) Literal() bool { return p.re == nil }
