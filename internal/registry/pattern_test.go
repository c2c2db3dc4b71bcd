package registry

import (
	"errors"
	"testing"
)

func TestCompileAndMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		cmdline string
		want    bool
		literal bool
	}{
		{name: "substring", pattern: "next dev", cmdline: "node /app/node_modules/.bin/next dev -p 3000", want: true},
		{name: "no match", pattern: "next dev", cmdline: "node server.js", want: false},
		{name: "regexp alternation", pattern: "next dev|next-server", cmdline: "next-server (v14.2.3)", want: true},
		{name: "anchored regexp", pattern: "^npm run dev$", cmdline: "npm run dev", want: true},
		{name: "anchored regexp miss", pattern: "^npm run dev$", cmdline: "/usr/bin/npm run dev", want: false},
		{name: "invalid regexp falls back to substring", pattern: "vite (", cmdline: "node vite (dev)", want: true, literal: true},
		{name: "literal prefix", pattern: "literal:a.c", cmdline: "abc", want: false, literal: true},
		{name: "literal prefix hit", pattern: "literal:a.c", cmdline: "run a.c now", want: true, literal: true},
		{name: "empty cmdline never matches", pattern: ".*", cmdline: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			if err != nil {
				t.Fatalf("compile %q: %v", tt.pattern, err)
			}
			if got := p.Match(tt.cmdline); got != tt.want {
				t.Fatalf("Match(%q) = %v, want %v", tt.cmdline, got, tt.want)
			}
			if p.Literal() != tt.literal {
				t.Fatalf("Literal() = %v, want %v", p.Literal(), tt.literal)
			}
			if p.String() != tt.pattern {
				t.Fatalf("String() = %q", p.String())
			}
		})
	}
}

func TestCompileRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", LiteralPrefix} {
		if _, err := Compile(raw); !errors.Is(err, ErrEmptyPattern) {
			t.Fatalf("Compile(%q) err = %v, want ErrEmptyPattern", raw, err)
		}
	}
}
