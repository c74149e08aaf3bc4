package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/fridactl/internal/logging"
	"github.com/antonkrylov/fridactl/internal/privsh"
)

// rule maps a command prefix to canned shell output, in match order.
type rule struct {
	prefix string
	out    string
}

type fakeSession struct {
	unavailable bool
	rules       []rule
	commands    []string
	killed      bool
}

func (f *fakeSession) Acquire(context.Context) error {
	if f.unavailable {
		return privsh.ErrUnavailable
	}
	return nil
}

func (f *fakeSession) Run(_ context.Context, command string) string {
	if f.unavailable {
		return ""
	}
	f.commands = append(f.commands, command)
	if strings.HasPrefix(command, "killall") {
		f.killed = true
	}
	for _, r := range f.rules {
		if strings.HasPrefix(command, r.prefix) {
			return r.out
		}
	}
	return ""
}

func (f *fakeSession) Release() {}

func (f *fakeSession) issued(substr string) bool {
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func staticProbe(running bool) []ProcessProbe {
	return []ProcessProbe{{
		Name:  "fake",
		Check: func(context.Context) (bool, bool) { return running, true },
	}}
}

func newTestManager(f *fakeSession, probes []ProcessProbe) *Manager {
	return NewManager(Options{
		Session:     f,
		ServerPath:  "/data/local/tmp/frida-server",
		VersionPath: "/data/local/tmp/frida-server.version",
		BinaryName:  "frida-server",
		Settle:      time.Millisecond,
		Probes:      probes,
		Logger:      logging.Discard(),
	})
}

func TestStatusDerivesState(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9\n"},
	}}
	m := newTestManager(f, staticProbe(true))
	st := m.Status(context.Background())
	if !st.Installed || st.Version != "16.5.9" || !st.Running {
		t.Fatalf("state=%+v", st)
	}
}

func TestStatusMissingVersionMarker(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: ""},
	}}
	m := newTestManager(f, staticProbe(false))
	st := m.Status(context.Background())
	if !st.Installed || st.Version != "unknown" {
		t.Fatalf("state=%+v", st)
	}
}

func TestStatusWithoutSession(t *testing.T) {
	f := &fakeSession{unavailable: true}
	m := newTestManager(f, staticProbe(true))
	st := m.Status(context.Background())
	if st.Installed || st.Running || st.Version != "" {
		t.Fatalf("unavailable session must read as empty state, got %+v", st)
	}
}

func TestInstallWithoutSessionDoesNotCopy(t *testing.T) {
	f := &fakeSession{unavailable: true}
	m := newTestManager(f, staticProbe(false))
	err := m.Install(context.Background(), "/tmp/frida-server", "16.5.9")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(f.commands) != 0 {
		t.Fatalf("no commands may be issued without a session: %v", f.commands)
	}
}

func TestInstallConfirmsPresence(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
	}}
	m := newTestManager(f, staticProbe(false))
	if err := m.Install(context.Background(), "/tmp/frida-server", "16.5.9"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !f.issued("cp '/tmp/frida-server'") || !f.issued("chmod 755") {
		t.Fatalf("install commands missing: %v", f.commands)
	}
	if !f.issued("echo '16.5.9' > '/data/local/tmp/frida-server.version'") {
		t.Fatalf("version marker not written: %v", f.commands)
	}
}

func TestInstallFailsWhenPostCheckMissing(t *testing.T) {
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	m := newTestManager(f, staticProbe(false))
	if err := m.Install(context.Background(), "/tmp/frida-server", "16.5.9"); err == nil {
		t.Fatalf("install must fail when post-check does not confirm")
	}
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
	}}
	m := newTestManager(f, staticProbe(true))
	if err := m.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start while running: %v", err)
	}
	if f.issued("nohup") {
		t.Fatalf("duplicate launch issued: %v", f.commands)
	}
}

func TestStartNotInstalled(t *testing.T) {
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	m := newTestManager(f, staticProbe(false))
	if err := m.Start(context.Background(), ""); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestStartFailureCapturesDiagnostic(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
		{prefix: "'/data/local/tmp/frida-server'", out: "CANNOT LINK EXECUTABLE\nmore detail"},
	}}
	m := newTestManager(f, staticProbe(false))
	err := m.Start(context.Background(), "")
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if !strings.Contains(err.Error(), "CANNOT LINK EXECUTABLE") {
		t.Fatalf("diagnostic text missing: %v", err)
	}
	if !f.issued("nohup '/data/local/tmp/frida-server'") {
		t.Fatalf("launch not issued: %v", f.commands)
	}
}

func TestStartSanitizesFlags(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
	}}
	// Probe flips to running once a launch command has been issued.
	probe := []ProcessProbe{{
		Name: "fake",
		Check: func(context.Context) (bool, bool) {
			return f.issued("nohup"), true
		},
	}}
	m := newTestManager(f, probe)
	if err := m.Start(context.Background(), "--listen=0.0.0.0:27042; rm -rf /"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, c := range f.commands {
		if !strings.HasPrefix(c, "nohup") {
			continue
		}
		if strings.ContainsAny(strings.TrimSuffix(c, " >/dev/null 2>&1 &"), ";|`") {
			t.Fatalf("metacharacters survived sanitization: %q", c)
		}
		if !strings.Contains(c, "--listen=0.0.0.0:27042") {
			t.Fatalf("legitimate flag lost: %q", c)
		}
	}
}

func TestStopIdempotentWhenStopped(t *testing.T) {
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	m := newTestManager(f, staticProbe(false))
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop while stopped: %v", err)
	}
	if f.issued("killall") {
		t.Fatalf("kill issued while stopped: %v", f.commands)
	}
}

func TestStopKillsByName(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
	}}
	probe := []ProcessProbe{{
		Name: "fake",
		Check: func(context.Context) (bool, bool) {
			return !f.killed, true
		},
	}}
	m := newTestManager(f, probe)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !f.issued("killall frida-server") {
		t.Fatalf("kill not issued: %v", f.commands)
	}
}

func TestUninstallIdempotentTwice(t *testing.T) {
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	m := newTestManager(f, staticProbe(false))
	for i := 0; i < 2; i++ {
		if err := m.Uninstall(context.Background()); err != nil {
			t.Fatalf("Uninstall #%d: %v", i+1, err)
		}
		if st := m.Status(context.Background()); st.Installed {
			t.Fatalf("still installed after uninstall #%d", i+1)
		}
	}
}

func TestSanitizeFlags(t *testing.T) {
	in := "--listen=0.0.0.0:27042; rm -rf /"
	out := SanitizeFlags(in)
	if strings.ContainsAny(out, flagDenylist) {
		t.Fatalf("denylist characters survived: %q", out)
	}
	if !strings.Contains(out, "--listen=0.0.0.0:27042") {
		t.Fatalf("legitimate flag mangled: %q", out)
	}
	if SanitizeFlags("a`whoami`b") != "awhoamib" {
		t.Fatalf("backticks must be stripped")
	}
}

func TestProbeOrderStopsAtFirstConclusive(t *testing.T) {
	var order []string
	mk := func(name string, running, conclusive bool) ProcessProbe {
		return ProcessProbe{Name: name, Check: func(context.Context) (bool, bool) {
			order = append(order, name)
			return running, conclusive
		}}
	}
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	m := newTestManager(f, []ProcessProbe{
		mk("first", false, false),
		mk("second", true, true),
		mk("third", false, true),
	})
	st := m.Status(context.Background())
	if !st.Running {
		t.Fatalf("second probe should have decided running=true")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("probe order wrong: %v", order)
	}
}
