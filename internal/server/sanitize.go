package server

import "strings"

// flagDenylist holds the shell metacharacters stripped from caller-supplied
// start flags. Flags end up interpolated into a shell command line (the su
// channel is line oriented, there is no argv to pass), so this is a narrow
// defense-in-depth measure, not a substitute for argument-vector execution.
const flagDenylist = ";&|<>$`\\"

// SanitizeFlags strips shell metacharacters from caller-supplied text
// before it is interpolated into a privileged command line.
func SanitizeFlags(flags string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(flagDenylist, r) {
			return -1
		}
		return r
	}, flags)
	return strings.TrimSpace(cleaned)
}
