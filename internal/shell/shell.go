// Package shell implements the PTY-backed login shell session: fork/exec
// under a pseudo-terminal, bidirectional byte forwarding, window resize,
// and in-stream detection of privileged-command password prompts.
//
// Grounded on the PTY-daemon pattern demonstrated by
// other_examples/.../wingthing__internal-egg-server.go (creack/pty,
// dedicated reader goroutine, bounded chunk delivery, SIGTERM-then-SIGKILL
// teardown) — the only concrete PTY-daemon reference in the retrieval pack,
// using the same github.com/creack/pty dependency the teacher carries.
package shell

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// chunkSize bounds a single PTY read, per spec §4.4 ("≤4 KiB chunks").
const chunkSize = 4096

// teardownGrace is how long SIGTERM is given before SIGKILL.
const teardownGrace = 2 * time.Second

// promptNeedles are the case-insensitive substrings scanForPrompt looks
// for in raw shell output to infer an elevated-privilege password prompt.
var promptNeedles = []string{
	"password:",
	"[sudo] password for",
	"password for",
}

// OutputFunc receives each chunk of raw shell output as it's read.
type OutputFunc func(chunk []byte)

// PromptFunc is invoked when scanForPrompt infers a privileged-command
// password prompt from shell output, with the line sniffer's most recently
// committed command as context.
type PromptFunc func(command string)

// CommandFunc is invoked once per committed input line (the user pressing
// Enter), independent of prompt inference. Per spec §4.4, committing a line
// hands it to both the audit sink and the sudo-prompt inference — this is
// the audit-sink half, which must fire even when the command never
// triggers a password prompt.
type CommandFunc func(command string)

// ExitFunc is invoked once, when the shell process and its PTY reader have
// both terminated.
type ExitFunc func(err error)

// Config wires a Session to its owning connection.
type Config struct {
	// Shell is the login shell binary to exec, e.g. "/bin/bash".
	Shell string
	// Rows/Cols is the initial PTY window size.
	Rows, Cols int
	OnOutput   OutputFunc
	OnCommand  CommandFunc
	OnPrompt   PromptFunc
	OnExit     ExitFunc
}

// Session is a single PTY-backed shell child process.
type Session struct {
	cfg Config
	log logrus.FieldLogger

	ptmx *os.File
	cmd  *exec.Cmd

	sniffer *lineSniffer

	mu       sync.Mutex
	stopping bool
	stopCh   chan struct{}
}

// Start forks and execs the configured login shell under a new PTY,
// retaining the master in the parent and wiring stdio to the slave in the
// child, per spec §4.4.
func Start(cfg Config) (*Session, error) {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}

	cmd := exec.Command(cfg.Shell, "-l")
	cmd.Dir = home
	cmd.Env = buildChildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	size := &pty.Winsize{Rows: uint16(cfg.Rows), Cols: uint16(cfg.Cols)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, trace.Wrap(err, "allocating pty / starting shell")
	}

	s := &Session{
		cfg:     cfg,
		log:     logrus.WithField("component", "shell"),
		ptmx:    ptmx,
		cmd:     cmd,
		sniffer: newLineSniffer(),
		stopCh:  make(chan struct{}),
	}

	go s.readLoop()
	s.log.Infof("shell session started pid=%d shell=%v", cmd.Process.Pid, cfg.Shell)
	return s, nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func buildChildEnv() []string {
	env := os.Environ()
	set := func(k, v string) {
		prefix := k + "="
		for i, e := range env {
			if strings.HasPrefix(e, prefix) {
				env[i] = prefix + v
				return
			}
		}
		env = append(env, prefix+v)
	}
	set("TERM", "xterm-256color")
	set("COLORTERM", "truecolor")
	set("LANG", "en_US.UTF-8")
	set("LC_ALL", "en_US.UTF-8")
	return env
}

// readLoop drains the PTY master in bounded chunks, delivering each to
// OnOutput and passing it to scanForPrompt for prompt inference.
func (s *Session) readLoop() {
	buf := make([]byte, chunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if s.cfg.OnOutput != nil {
				s.cfg.OnOutput(chunk)
			}
			s.scanForPrompt(chunk)
		}
		if err != nil {
			s.terminate(err)
			return
		}
	}
}

func (s *Session) scanForPrompt(chunk []byte) {
	lower := strings.ToLower(string(chunk))
	for _, needle := range promptNeedles {
		if strings.Contains(lower, needle) {
			if s.cfg.OnPrompt != nil {
				s.cfg.OnPrompt(s.sniffer.LastCommand())
			}
			return
		}
	}
}

// Write sends input bytes directly to the PTY master, per spec §4.4, and
// feeds them through the line sniffer, firing OnCommand for every line the
// sniffer commits.
func (s *Session) Write(data []byte) (int, error) {
	s.sniffer.Feed(data, s.cfg.OnCommand)
	n, err := s.ptmx.Write(data)
	if err != nil {
		return n, trace.Wrap(err)
	}
	return n, nil
}

// Resize applies new window dimensions to the PTY.
func (s *Session) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil // clamped/ignored per spec §4.5
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// LastCommand returns the most recently committed input line, used as sudo
// confirmation context.
func (s *Session) LastCommand() string {
	return s.sniffer.LastCommand()
}

// terminate runs the teardown sequence exactly once: cancel the reader
// (already returned), close the master, SIGTERM the child, wait briefly,
// SIGKILL if still alive, reap, and notify the owner.
func (s *Session) terminate(readErr error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()
	close(s.stopCh)

	s.ptmx.Close()

	if proc := s.cmd.Process; proc != nil {
		proc.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			s.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(teardownGrace):
			proc.Signal(syscall.SIGKILL)
			<-done
		}
	}

	s.log.Infof("shell session exited: %v", readErr)
	if s.cfg.OnExit != nil {
		s.cfg.OnExit(readErr)
	}
}

// Stop requests an orderly shutdown of the shell session. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	alreadyStopping := s.stopping
	s.mu.Unlock()
	if alreadyStopping {
		return
	}
	// Closing the master unblocks readLoop's Read with an error, which
	// drives the same terminate() path used for a natural EOF.
	s.ptmx.Close()
}

// Done returns a channel closed once teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}
