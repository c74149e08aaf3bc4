package server

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessProbe is one strategy for answering "is the agent server running".
// Probes are evaluated in order until one is conclusive; devices differ in
// which process-listing commands their shell actually supports.
type ProcessProbe struct {
	Name  string
	Check func(ctx context.Context) (running bool, conclusive bool)
}

// defaultProbes returns the shell strategies in preference order, ending
// with a native process-table scan for shells that ship no usable ps at all.
func defaultProbes(session Runner, binary string) []ProcessProbe {
	return []ProcessProbe{
		{Name: "ps-all", Check: psProbe(session, "ps -A", binary)},
		{Name: "ps", Check: psProbe(session, "ps", binary)},
		{Name: "pidof", Check: pidofProbe(session, binary)},
		{Name: "native", Check: nativeProbe(binary)},
	}
}

// psProbe lists processes through the elevated shell and filters by name.
// Empty output means the command did not execute (or the ps variant is
// unsupported), which is inconclusive, not "stopped".
func psProbe(session Runner, listCmd, binary string) func(context.Context) (bool, bool) {
	return func(ctx context.Context) (bool, bool) {
		out := session.Run(ctx, listCmd)
		if strings.TrimSpace(out) == "" {
			return false, false
		}
		for _, line := range strings.Split(out, "\n") {
			if strings.Contains(line, binary) {
				return true, true
			}
		}
		// A listing that at least produced a header is trustworthy.
		if strings.Contains(out, "PID") {
			return false, true
		}
		return false, false
	}
}

// pidofProbe is conclusive only when it prints a pid; silence can mean
// either "not running" or "no pidof on this device".
func pidofProbe(session Runner, binary string) func(context.Context) (bool, bool) {
	return func(ctx context.Context) (bool, bool) {
		out := strings.TrimSpace(session.Run(ctx, "pidof "+binary))
		if out == "" {
			return false, false
		}
		for _, field := range strings.Fields(out) {
			if isDigits(field) {
				return true, true
			}
		}
		return false, false
	}
}

// nativeProbe scans the local process table directly. It needs no shell and
// is always conclusive, so it terminates the probe chain.
func nativeProbe(binary string) func(context.Context) (bool, bool) {
	return func(ctx context.Context) (bool, bool) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return false, true
		}
		for _, p := range procs {
			name, err := p.NameWithContext(ctx)
			if err != nil {
				continue
			}
			if name == binary {
				return true, true
			}
		}
		return false, true
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
