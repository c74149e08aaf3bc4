// Package privsh provides a request/response abstraction over a single
// persistent elevated shell process. The shell has no structured response
// framing, so each command is followed by an echoed sentinel token and
// output is read until the token appears. Callers check for expected
// substrings in the returned text; there are no exit codes on this channel.
package privsh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// ErrUnavailable means no elevated shell could be obtained. This is an
// expected outcome on devices without an su-equivalent.
var ErrUnavailable = errors.New("elevated shell unavailable")

// Options configure the elevated shell session.
type Options struct {
	// Command launches the elevated shell, "su" when empty.
	Command string
	Args    []string
	// UsePTY runs the shell on a pseudo-terminal. Some su builds refuse
	// to start without a controlling terminal.
	UsePTY bool
	// CommandTimeout bounds the wait for a command's end sentinel.
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Session owns at most one live elevated shell process. All access is
// serialized: one in-flight command at a time. The zero value is not
// usable; construct with New.
type Session struct {
	opts Options

	mu   sync.Mutex
	proc *shellProc
}

type shellProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ptyf  *os.File
	out   *outputBuffer
	done  chan struct{}
}

func New(opts Options) *Session {
	if opts.Command == "" {
		opts.Command = "su"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{opts: opts}
}

// Acquire idempotently returns the existing shell or spawns a new one.
// Spawn failures map to ErrUnavailable; the distinction between a denied
// elevation and a missing binary matters only for the log line.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLocked(ctx)
}

func (s *Session) acquireLocked(ctx context.Context) error {
	if s.proc != nil && s.proc.alive() {
		return nil
	}
	s.proc = nil

	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	p := &shellProc{
		cmd:  cmd,
		out:  newOutputBuffer(),
		done: make(chan struct{}),
	}

	if s.opts.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			s.opts.Logger.Debug("elevated shell spawn failed", "command", s.opts.Command, "pty", true, "err", err)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		p.ptyf = f
		p.stdin = f
		go p.out.drain(f)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		pr, pw, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		if err := cmd.Start(); err != nil {
			_ = pr.Close()
			_ = pw.Close()
			s.opts.Logger.Debug("elevated shell spawn failed", "command", s.opts.Command, "err", err)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		// The parent keeps only the read end; the child holds the write end.
		_ = pw.Close()
		p.stdin = stdin
		go p.out.drain(pr)
	}

	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	// A shell that exits immediately (su denied) is indistinguishable from
	// a live one at spawn time; give the denial a moment to surface.
	select {
	case <-p.done:
		s.opts.Logger.Debug("elevated shell exited immediately", "command", s.opts.Command)
		return ErrUnavailable
	case <-time.After(150 * time.Millisecond):
	case <-ctx.Done():
		p.kill()
		return ctx.Err()
	}

	s.proc = p
	s.opts.Logger.Info("elevated shell acquired", "command", s.opts.Command, "pty", s.opts.UsePTY)
	return nil
}

// Run writes command+newline to the shell, then an echoed end sentinel, and
// returns everything the shell produced before the sentinel. It returns ""
// when no session is available or the command produced nothing before the
// timeout; callers must treat empty output as "command did not execute".
//
// The write either completes in full or does not happen: cancellation is
// honored before the write, never in the middle of one.
func (s *Session) Run(ctx context.Context, command string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquireLocked(ctx); err != nil {
		return ""
	}
	p := s.proc

	select {
	case <-ctx.Done():
		return ""
	default:
	}

	marker := "__FRIDACTL_DONE_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	offset := p.out.len()
	payload := command + "\necho " + marker + "\n"
	if _, err := io.WriteString(p.stdin, payload); err != nil {
		s.opts.Logger.Warn("shell write failed, dropping session", "err", err)
		s.releaseLocked()
		return ""
	}

	deadline := time.Now().Add(s.opts.CommandTimeout)
	for {
		text, found := p.out.textBefore(offset, marker)
		if found {
			return strings.TrimRight(stripEcho(text, command, marker), "\r\n")
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			// No sentinel: return whatever arrived so the caller can at
			// least inspect partial output.
			s.opts.Logger.Warn("command output sentinel not seen", "timeout", s.opts.CommandTimeout)
			return strings.TrimRight(stripEcho(p.out.textFrom(offset), command, marker), "\r\n")
		}
		select {
		case <-ctx.Done():
			return strings.TrimRight(stripEcho(p.out.textFrom(offset), command, marker), "\r\n")
		case <-p.done:
			return strings.TrimRight(stripEcho(p.out.textFrom(offset), command, marker), "\r\n")
		case <-p.out.wait():
		case <-time.After(remain):
		}
	}
}

// Release writes an exit directive, closes the input stream, terminates the
// process and clears the handle so a later Acquire starts fresh.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Session) releaseLocked() {
	p := s.proc
	if p == nil {
		return
	}
	s.proc = nil
	_, _ = io.WriteString(p.stdin, "exit\n")
	_ = p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(500 * time.Millisecond):
		p.kill()
	}
	if p.ptyf != nil {
		_ = p.ptyf.Close()
	}
	s.opts.Logger.Info("elevated shell released")
}

func (p *shellProc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *shellProc) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// stripEcho removes the lines a pty-backed shell echoes back: the command
// itself and the sentinel echo. Pipe-backed shells do not echo, in which
// case this is a no-op.
func stripEcho(text, command, marker string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		t := strings.TrimRight(line, "\r")
		if t == command || strings.HasPrefix(t, "echo "+marker) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// outputBuffer accumulates shell output from a background drain goroutine
// and lets Run wait for new bytes without polling.
type outputBuffer struct {
	mu     sync.Mutex
	buf    []byte
	notify chan struct{}
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{notify: make(chan struct{})}
}

func (b *outputBuffer) drain(r io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.mu.Lock()
			b.buf = append(b.buf, chunk[:n]...)
			close(b.notify)
			b.notify = make(chan struct{})
			b.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (b *outputBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *outputBuffer) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}

func (b *outputBuffer) textFrom(offset int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset >= len(b.buf) {
		return ""
	}
	return string(b.buf[offset:])
}

// textBefore returns the output between offset and the marker, and whether
// the marker has appeared. The marker must start at the beginning of a line
// so a pty echo of "echo <marker>" is not mistaken for completion.
func (b *outputBuffer) textBefore(offset int, marker string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	window := string(b.buf[min(offset, len(b.buf)):])
	idx := -1
	for search := 0; ; {
		i := strings.Index(window[search:], marker)
		if i < 0 {
			break
		}
		i += search
		if i == 0 || window[i-1] == '\n' {
			idx = i
			break
		}
		search = i + len(marker)
	}
	if idx < 0 {
		return "", false
	}
	return window[:idx], true
}
