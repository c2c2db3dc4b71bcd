package launcher

import (
	"os/exec"
	"strings"
)

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// buildCommand turns a command line into an *exec.Cmd. Plain commands are
// executed directly so the process table shows the command itself (and the
// match pattern keeps seeing it); commands with shell syntax go through
// /bin/sh -c. An explicit "sh -c '...'" prefix is honored without adding a
// second shell.
func buildCommand(command string) *exec.Cmd {
	command = strings.TrimSpace(command)
	if script, ok := explicitShellScript(command); ok {
		return shellCommand(script)
	}
	if strings.ContainsAny(command, shellMeta) {
		return shellCommand(command)
	}
	parts := strings.Fields(command)
	// #nosec G204 -- executing the configured dev server command is the point
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShellScript returns the script of "sh -c <script>" style commands
// with one pair of surrounding quotes removed.
func explicitShellScript(command string) (string, bool) {
	for _, prefix := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(command, prefix)
		if !ok {
			continue
		}
		after = strings.TrimSpace(after)
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
