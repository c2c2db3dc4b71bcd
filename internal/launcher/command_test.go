package launcher

import (
	"runtime"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	tests := []struct {
		name    string
		command string
		args    []string
	}{
		{name: "direct exec", command: "npm run dev", args: []string{"npm", "run", "dev"}},
		{name: "extra whitespace", command: "  next   dev  ", args: []string{"next", "dev"}},
		{name: "metacharacters use shell", command: "npm run dev | tee out", args: []string{"/bin/sh", "-c", "npm run dev | tee out"}},
		{name: "explicit shell single quotes", command: "sh -c 'PORT=3000 next dev'", args: []string{"/bin/sh", "-c", "PORT=3000 next dev"}},
		{name: "explicit shell double quotes", command: `/bin/sh -c "echo hi > x"`, args: []string{"/bin/sh", "-c", "echo hi > x"}},
		{name: "explicit shell unquoted", command: "sh -c exec next dev", args: []string{"/bin/sh", "-c", "exec next dev"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := buildCommand(tt.command)
			if len(c.Args) != len(tt.args) {
				t.Fatalf("args = %#v, want %#v", c.Args, tt.args)
			}
			for i := range tt.args {
				if c.Args[i] != tt.args[i] {
					t.Fatalf("args = %#v, want %#v", c.Args, tt.args)
				}
			}
		})
	}
}
