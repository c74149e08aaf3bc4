package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antonkrylov/fridactl/internal/artifact"
	"github.com/antonkrylov/fridactl/internal/catalog"
	"github.com/antonkrylov/fridactl/internal/logging"
)

// testSupervisor wires a supervisor against an httptest release feed, an
// httptest artifact server and a fake privileged session.
func testSupervisor(t *testing.T, f *fakeSession, probes []ProcessProbe) *Supervisor {
	t.Helper()

	payload := []byte("\x7fELF fake server binary")
	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(artifacts.Close)

	// The asset name carries the compressed suffix the filter wants; the
	// download URL points at a raw-copy path on the artifact server.
	release := fmt.Sprintf(`{
		"tag_name": "16.5.9",
		"published_at": "2024-11-01T10:00:00Z",
		"assets": [{
			"name": "frida-server-16.5.9-android-arm64.xz",
			"browser_download_url": %q,
			"size": 24
		}]
	}`, artifacts.URL+"/frida-server-16.5.9-android-arm64")
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/frida/frida/releases":
			fmt.Fprintf(w, "[%s]", release)
		case "/repos/frida/frida/releases/tags/16.5.9":
			fmt.Fprint(w, release)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(feed.Close)

	cat := catalog.New(catalog.Options{
		Repo:        "frida/frida",
		APIBase:     feed.URL,
		AssetPrefix: "frida-server",
		Logger:      logging.Discard(),
	})
	fetcher := artifact.New(artifact.Options{BinaryName: "frida-server", Logger: logging.Discard()})
	mgr := newTestManager(f, probes)

	sup := NewSupervisor(mgr, cat, fetcher, logging.Discard())
	t.Cleanup(sup.Shutdown)
	return sup
}

// waitTerminal drains the event stream until the named operation finishes.
func waitTerminal(t *testing.T, sup *Supervisor, op string) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sup.Events():
			if ev.Terminal && ev.Op == op {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to finish", op)
		}
	}
}

func TestSupervisorSelectionIsSynchronous(t *testing.T) {
	sup := testSupervisor(t, &fakeSession{}, staticProbe(false))
	sup.SetVersion("16.5.9")
	sup.SetArch(catalog.ArchARM64)
	snap := sup.State()
	if snap.SelectedVersion != "16.5.9" || snap.SelectedArch != catalog.ArchARM64 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSupervisorLoadReleasesSelectsNewest(t *testing.T) {
	sup := testSupervisor(t, &fakeSession{}, staticProbe(false))
	sup.LoadReleases()
	ev := waitTerminal(t, sup, "releases")
	if ev.Err != nil {
		t.Fatalf("releases: %v", ev.Err)
	}
	if len(ev.Snapshot.Releases) != 1 || ev.Snapshot.SelectedVersion != "16.5.9" {
		t.Fatalf("snapshot=%+v", ev.Snapshot)
	}
}

func TestSupervisorCheckStatus(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
	}}
	sup := testSupervisor(t, f, staticProbe(true))
	sup.CheckStatus()
	ev := waitTerminal(t, sup, "status")
	if ev.Err != nil {
		t.Fatalf("status: %v", ev.Err)
	}
	if !ev.Snapshot.Installed || !ev.Snapshot.Running || ev.Snapshot.InstalledVersion != "16.5.9" {
		t.Fatalf("snapshot=%+v", ev.Snapshot)
	}
}

func TestSupervisorDownloadInstall(t *testing.T) {
	f := &fakeSession{rules: []rule{
		{prefix: "test -f", out: "PRESENT"},
		{prefix: "cat", out: "16.5.9"},
	}}
	sup := testSupervisor(t, f, staticProbe(false))
	sup.SetVersion("16.5.9")
	sup.SetArch(catalog.ArchARM64)
	sup.DownloadInstall()
	ev := waitTerminal(t, sup, "install")
	if ev.Err != nil {
		t.Fatalf("install: %v", ev.Err)
	}
	if !ev.Snapshot.Installed || ev.Snapshot.InstalledVersion != "16.5.9" {
		t.Fatalf("snapshot=%+v", ev.Snapshot)
	}
	if !f.issued("cp ") || !f.issued("chmod 755") {
		t.Fatalf("install commands missing: %v", f.commands)
	}
}

func TestSupervisorDownloadInstallWithoutSelection(t *testing.T) {
	sup := testSupervisor(t, &fakeSession{}, staticProbe(false))
	sup.DownloadInstall()
	ev := waitTerminal(t, sup, "install")
	if ev.Err == nil {
		t.Fatalf("expected error without a selected version")
	}
}

func TestSupervisorDownloadInstallNoBuildForArch(t *testing.T) {
	sup := testSupervisor(t, &fakeSession{}, staticProbe(false))
	sup.SetVersion("16.5.9")
	sup.SetArch(catalog.ArchX86)
	sup.DownloadInstall()
	ev := waitTerminal(t, sup, "install")
	if ev.Err == nil {
		t.Fatalf("expected resolve failure for missing architecture build")
	}
}

func TestSupervisorValidateVersion(t *testing.T) {
	sup := testSupervisor(t, &fakeSession{}, staticProbe(false))
	sup.ValidateVersion("0.0.1")
	if ev := waitTerminal(t, sup, "validate"); ev.Err == nil {
		t.Fatalf("unknown version must fail validation")
	}
	sup.ValidateVersion("16.5.9")
	ev := waitTerminal(t, sup, "validate")
	if ev.Err != nil {
		t.Fatalf("validate: %v", ev.Err)
	}
	if ev.Snapshot.SelectedVersion != "16.5.9" {
		t.Fatalf("snapshot=%+v", ev.Snapshot)
	}
}

func TestSupervisorStopWhenStopped(t *testing.T) {
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	sup := testSupervisor(t, f, staticProbe(false))
	sup.Stop()
	ev := waitTerminal(t, sup, "stop")
	if ev.Err != nil {
		t.Fatalf("stop while stopped must succeed: %v", ev.Err)
	}
	if ev.Snapshot.Running {
		t.Fatalf("snapshot=%+v", ev.Snapshot)
	}
}

func TestSupervisorStartNotInstalled(t *testing.T) {
	f := &fakeSession{rules: []rule{{prefix: "test -f", out: "MISSING"}}}
	sup := testSupervisor(t, f, staticProbe(false))
	sup.Start("")
	ev := waitTerminal(t, sup, "start")
	if ev.Err == nil {
		t.Fatalf("start without install must fail")
	}
}
