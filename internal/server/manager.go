// Package server drives the install/start/stop/uninstall lifecycle of the
// agent server through the elevated shell. The privileged filesystem and
// process table are the only source of truth: the binary can be replaced or
// killed outside this tool at any time, so every status query re-derives
// ground truth instead of trusting cached state or command return text.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antonkrylov/fridactl/internal/privsh"
)

// ErrNotInstalled is returned by Start when no binary is present.
var ErrNotInstalled = errors.New("agent server is not installed")

// ErrUnavailable mirrors privsh.ErrUnavailable at this layer: the operation
// needs an elevated shell and none could be obtained.
var ErrUnavailable = errors.New("privileged operations unavailable")

// Runner is the slice of the privileged session the manager needs. Run
// returns "" when the command did not execute; the manager treats that as
// "no effect observed" and re-derives state.
type Runner interface {
	Acquire(ctx context.Context) error
	Run(ctx context.Context, command string) string
	Release()
}

// State is a transient snapshot of the installed binary, recomputed on
// demand. Version is meaningful only when Installed is true.
type State struct {
	Installed bool
	Version   string
	Running   bool
}

// Manager composes the privileged session with the install paths.
type Manager struct {
	session    Runner
	probes     []ProcessProbe
	serverPath string
	verPath    string
	binary     string
	settle     time.Duration
	logger     *slog.Logger
}

type Options struct {
	Session     Runner
	ServerPath  string
	VersionPath string
	BinaryName  string
	// Settle separates a launch or kill from the status re-check; the
	// shell gives no completion signal for detached processes.
	Settle time.Duration
	// Probes overrides the process-table strategies, mainly for tests.
	Probes []ProcessProbe
	Logger *slog.Logger
}

func NewManager(opts Options) *Manager {
	if opts.Settle <= 0 {
		opts.Settle = 800 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		session:    opts.Session,
		serverPath: opts.ServerPath,
		verPath:    opts.VersionPath,
		binary:     opts.BinaryName,
		settle:     opts.Settle,
		logger:     opts.Logger,
	}
	if opts.Probes != nil {
		m.probes = opts.Probes
	} else {
		m.probes = defaultProbes(opts.Session, opts.BinaryName)
	}
	return m
}

// Status re-derives the installed/running snapshot. Without an elevated
// session everything reads as not installed and not running; stale data is
// never reported.
func (m *Manager) Status(ctx context.Context) State {
	if err := m.session.Acquire(ctx); err != nil {
		m.logger.Debug("status without elevated session", "err", err)
		return State{}
	}

	var st State
	out := m.session.Run(ctx, fmt.Sprintf("test -f %s && echo PRESENT || echo MISSING", privsh.Quote(m.serverPath)))
	st.Installed = strings.Contains(out, "PRESENT")
	if st.Installed {
		ver := m.session.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null", privsh.Quote(m.verPath)))
		ver = strings.TrimSpace(ver)
		if ver == "" || strings.Contains(ver, "No such file") {
			ver = "unknown"
		}
		st.Version = ver
	}
	st.Running = m.running(ctx)
	return st
}

func (m *Manager) running(ctx context.Context) bool {
	for _, probe := range m.probes {
		running, conclusive := probe.Check(ctx)
		if conclusive {
			m.logger.Debug("process probe conclusive", "probe", probe.Name, "running", running)
			return running
		}
	}
	return false
}

// Install copies a locally fetched binary to the privileged path, marks it
// executable, persists the version marker and confirms via a status
// re-check. Success is reported only when the post-check sees the binary.
func (m *Manager) Install(ctx context.Context, localBinary, version string) error {
	if err := m.session.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.session.Run(ctx, fmt.Sprintf("cp %s %s && chmod 755 %s",
		privsh.Quote(localBinary), privsh.Quote(m.serverPath), privsh.Quote(m.serverPath)))
	m.session.Run(ctx, fmt.Sprintf("echo %s > %s",
		privsh.Quote(SanitizeFlags(version)), privsh.Quote(m.verPath)))

	st := m.Status(ctx)
	if !st.Installed {
		return fmt.Errorf("install not confirmed at %s", m.serverPath)
	}
	m.logger.Info("agent server installed", "path", m.serverPath, "version", version)
	return nil
}

// Start launches the binary detached so it survives the invoking shell.
// Already running is a success and issues no duplicate launch command.
func (m *Manager) Start(ctx context.Context, flags string) error {
	st := m.Status(ctx)
	if st.Running {
		m.logger.Debug("start requested while already running")
		return nil
	}
	if !st.Installed {
		return ErrNotInstalled
	}

	clean := SanitizeFlags(flags)
	launch := strings.TrimSpace(fmt.Sprintf("nohup %s %s >/dev/null 2>&1 &", privsh.Quote(m.serverPath), clean))
	m.session.Run(ctx, launch)
	m.wait(ctx)

	if m.Status(ctx).Running {
		m.logger.Info("agent server started", "flags", clean)
		return nil
	}
	// Foreground re-run purely to capture operator-visible error text.
	diag := strings.TrimSpace(m.session.Run(ctx, strings.TrimSpace(fmt.Sprintf("%s %s 2>&1", privsh.Quote(m.serverPath), clean))))
	if diag == "" {
		return fmt.Errorf("agent server did not start")
	}
	return fmt.Errorf("agent server did not start: %s", firstLine(diag))
}

// Stop sends a termination signal by process name. Already stopped is a
// success.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.Status(ctx).Running {
		return nil
	}
	m.session.Run(ctx, fmt.Sprintf("killall %s 2>/dev/null || kill $(pidof %s) 2>/dev/null", m.binary, m.binary))
	m.wait(ctx)
	if m.Status(ctx).Running {
		return fmt.Errorf("agent server still running after stop")
	}
	m.logger.Info("agent server stopped")
	return nil
}

// Uninstall stops a running server, removes the binary and version marker
// and confirms absence. Calling it when nothing is installed is a no-op
// success.
func (m *Manager) Uninstall(ctx context.Context) error {
	st := m.Status(ctx)
	if st.Running {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}
	m.session.Run(ctx, fmt.Sprintf("rm -f %s %s", privsh.Quote(m.serverPath), privsh.Quote(m.verPath)))
	if m.Status(ctx).Installed {
		return fmt.Errorf("binary still present at %s after uninstall", m.serverPath)
	}
	m.logger.Info("agent server uninstalled")
	return nil
}

func (m *Manager) wait(ctx context.Context) {
	select {
	case <-time.After(m.settle):
	case <-ctx.Done():
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], "\r")
	}
	return s
}
