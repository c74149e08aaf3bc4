package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/antonkrylov/fridactl/internal/artifact"
	"github.com/antonkrylov/fridactl/internal/catalog"
)

// Snapshot is the observable state the UI layer consumes. It is a value:
// consumers never see partially updated fields.
type Snapshot struct {
	Busy             bool
	Message          string
	Installed        bool
	Running          bool
	InstalledVersion string
	Releases         []catalog.Release
	SelectedVersion  string
	SelectedArch     catalog.Arch
	LastFlags        string
}

// Event reports progress or completion of one requested operation.
// Terminal marks the operation finished; Err is nil on success.
type Event struct {
	Op       string
	Message  string
	Err      error
	Terminal bool
	Snapshot Snapshot
}

// Supervisor is the asynchronous facade over the lifecycle manager, catalog
// and fetcher. Requests are queued onto a single worker goroutine, which
// serializes privileged access by construction; consumers observe results
// on the event channel and never touch the session, catalog or fetcher
// directly.
type Supervisor struct {
	mgr     *Manager
	cat     *catalog.Catalog
	fetcher *artifact.Fetcher
	logger  *slog.Logger

	mu   sync.Mutex
	snap Snapshot

	tasks  chan task
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type task struct {
	op  string
	run func(ctx context.Context) error
}

func NewSupervisor(mgr *Manager, cat *catalog.Catalog, fetcher *artifact.Fetcher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		mgr:     mgr,
		cat:     cat,
		fetcher: fetcher,
		logger:  logger,
		tasks:   make(chan task, 16),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.snap.SelectedArch = catalog.ArchUnknown
	go s.loop()
	return s
}

// Events is the observable stream. Events are dropped, not blocked on, when
// the consumer falls behind.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current snapshot.
func (s *Supervisor) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Shutdown cancels in-flight work and releases the privileged session.
func (s *Supervisor) Shutdown() {
	s.cancel()
	<-s.done
	s.mgr.session.Release()
}

// SetVersion records caller intent; it does not touch installed state.
func (s *Supervisor) SetVersion(version string) {
	s.update(func(snap *Snapshot) { snap.SelectedVersion = version })
}

func (s *Supervisor) SetArch(arch catalog.Arch) {
	s.update(func(snap *Snapshot) { snap.SelectedArch = arch })
}

// CheckStatus re-derives installed/running from the device.
func (s *Supervisor) CheckStatus() {
	s.enqueue("status", func(ctx context.Context) error {
		st := s.mgr.Status(ctx)
		s.update(func(snap *Snapshot) {
			snap.Installed = st.Installed
			snap.Running = st.Running
			snap.InstalledVersion = st.Version
		})
		return nil
	})
}

// LoadReleases refreshes the available releases list from the feed.
func (s *Supervisor) LoadReleases() {
	s.enqueue("releases", func(ctx context.Context) error {
		releases, err := s.cat.List(ctx)
		if err != nil {
			return err
		}
		s.update(func(snap *Snapshot) {
			snap.Releases = releases
			if snap.SelectedVersion == "" && len(releases) > 0 {
				snap.SelectedVersion = releases[0].Tag
			}
		})
		return nil
	})
}

// ValidateVersion vets a caller-entered version string and selects it when
// the feed knows it.
func (s *Supervisor) ValidateVersion(version string) {
	s.enqueue("validate", func(ctx context.Context) error {
		if !s.cat.ValidateVersion(ctx, version) {
			return fmt.Errorf("version %s not found in release feed", version)
		}
		s.update(func(snap *Snapshot) { snap.SelectedVersion = version })
		return nil
	})
}

// DownloadInstall resolves the selected version/architecture, fetches and
// unpacks the artifact into a scratch directory and installs it through the
// privileged session. The scratch directory is removed on every path.
func (s *Supervisor) DownloadInstall() {
	s.enqueue("install", func(ctx context.Context) error {
		snap := s.State()
		if snap.SelectedVersion == "" {
			return fmt.Errorf("no version selected")
		}
		url, err := s.cat.ResolveURL(ctx, snap.SelectedVersion, snap.SelectedArch)
		if err != nil {
			return fmt.Errorf("resolve %s/%s: %w", snap.SelectedVersion, snap.SelectedArch, err)
		}
		s.emit(Event{Op: "install", Message: "downloading " + url, Snapshot: s.State()})

		scratch, err := os.MkdirTemp("", "fridactl-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(scratch)

		local := filepath.Join(scratch, s.mgr.binary)
		if err := s.fetcher.Fetch(ctx, url, local); err != nil {
			return err
		}
		s.emit(Event{Op: "install", Message: "installing " + snap.SelectedVersion, Snapshot: s.State()})
		if err := s.mgr.Install(ctx, local, snap.SelectedVersion); err != nil {
			return err
		}
		st := s.mgr.Status(ctx)
		s.update(func(snap *Snapshot) {
			snap.Installed = st.Installed
			snap.Running = st.Running
			snap.InstalledVersion = st.Version
		})
		return nil
	})
}

// Start launches the installed server with optional custom flags.
func (s *Supervisor) Start(flags string) {
	s.enqueue("start", func(ctx context.Context) error {
		s.update(func(snap *Snapshot) { snap.LastFlags = flags })
		if err := s.mgr.Start(ctx, flags); err != nil {
			return err
		}
		s.update(func(snap *Snapshot) { snap.Running = true })
		return nil
	})
}

func (s *Supervisor) Stop() {
	s.enqueue("stop", func(ctx context.Context) error {
		if err := s.mgr.Stop(ctx); err != nil {
			return err
		}
		s.update(func(snap *Snapshot) { snap.Running = false })
		return nil
	})
}

func (s *Supervisor) Uninstall() {
	s.enqueue("uninstall", func(ctx context.Context) error {
		if err := s.mgr.Uninstall(ctx); err != nil {
			return err
		}
		s.update(func(snap *Snapshot) {
			snap.Installed = false
			snap.Running = false
			snap.InstalledVersion = ""
		})
		return nil
	})
}

func (s *Supervisor) enqueue(op string, run func(ctx context.Context) error) {
	select {
	case s.tasks <- task{op: op, run: run}:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.tasks:
			s.update(func(snap *Snapshot) { snap.Busy = true })
			err := t.run(s.ctx)
			s.update(func(snap *Snapshot) {
				snap.Busy = false
				if err != nil {
					snap.Message = err.Error()
				} else {
					snap.Message = t.op + " ok"
				}
			})
			if err != nil {
				s.logger.Warn("operation failed", "op", t.op, "err", err)
			}
			s.emit(Event{Op: t.op, Err: err, Terminal: true, Snapshot: s.State()})
		}
	}
}

func (s *Supervisor) update(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	s.mu.Unlock()
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped, consumer behind", "op", ev.Op)
	}
}
