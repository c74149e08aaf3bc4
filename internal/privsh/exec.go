package privsh

import (
	"context"
	"os/exec"
	"strings"
)

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Quote wraps s in single quotes for interpolation into a shell command
// line. Embedded single quotes are closed, escaped and reopened.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
