// Package config centralizes the daemon's on-disk layout: the
// ~/.shellyd directory, its well-known file paths, and the PID file
// lifecycle used by the CLI's start/stop/status subcommands.
//
// Grounded on tool/tctl/common/tctl.go's handling of a single profile
// directory under the user's home, and on the teacher's PID-file pattern
// for long-running daemons (lib/service's systemd notify/PID bookkeeping),
// adapted to a single-host per-user daemon with no systemd integration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

const dirName = ".shellyd"

// Paths resolves the well-known file locations under a single configurable
// base directory (defaulting to ~/.shellyd).
type Paths struct {
	Dir string
}

// DefaultPaths resolves Paths against the current user's home directory.
func DefaultPaths() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, trace.Wrap(err, "resolving home directory")
	}
	return Paths{Dir: filepath.Join(home, dirName)}, nil
}

// Ensure creates the base directory (and nothing else) with owner-only
// permissions if it doesn't already exist.
func (p Paths) Ensure() error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return trace.Wrap(err, "creating %v", p.Dir)
	}
	return nil
}

func (p Paths) AuthorizedKeys() string { return filepath.Join(p.Dir, "authorized_keys") }
func (p Paths) ServerCert() string     { return filepath.Join(p.Dir, "server.crt") }
func (p Paths) ServerKey() string      { return filepath.Join(p.Dir, "server.key") }
func (p Paths) AuditLog() string       { return filepath.Join(p.Dir, "audit.log") }
func (p Paths) PIDFile() string        { return filepath.Join(p.Dir, "shellyd.pid") }
func (p Paths) PairingCode() string    { return filepath.Join(p.Dir, "pairing_code") }
func (p Paths) ProfileFile() string    { return filepath.Join(p.Dir, "config.json") }
func (p Paths) ListenAddr() string     { return filepath.Join(p.Dir, "listen_addr") }

// WriteListenAddr records the host:port the running daemon actually bound,
// so a separate `status` invocation can report it without querying the
// daemon process directly.
func (p Paths) WriteListenAddr(addr string) error {
	if err := os.WriteFile(p.ListenAddr(), []byte(addr+"\n"), 0o600); err != nil {
		return trace.Wrap(err, "writing listen addr file")
	}
	return nil
}

// ReadListenAddr returns the host:port previously recorded by
// WriteListenAddr, or "" if none is on record.
func (p Paths) ReadListenAddr() string {
	data, err := os.ReadFile(p.ListenAddr())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WritePID records the running daemon's PID, replacing any stale file.
func (p Paths) WritePID(pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(p.PIDFile(), data, 0o600); err != nil {
		return trace.Wrap(err, "writing pid file")
	}
	return nil
}

// ReadPID returns the PID recorded in the PID file. Returns trace.NotFound
// if no PID file exists.
func (p Paths) ReadPID() (int, error) {
	data, err := os.ReadFile(p.PIDFile())
	if os.IsNotExist(err) {
		return 0, trace.NotFound("no pid file at %v", p.PIDFile())
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, trace.Wrap(err, "parsing pid file")
	}
	return pid, nil
}

// RemovePID deletes the PID file, tolerating it already being absent.
func (p Paths) RemovePID() error {
	if err := os.Remove(p.PIDFile()); err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err)
	}
	return nil
}

// IsRunning reports whether the PID recorded in the PID file refers to a
// live process, by sending it signal 0.
func (p Paths) IsRunning() (int, bool, error) {
	pid, err := p.ReadPID()
	if trace.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, trace.Wrap(err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false, nil
	}
	if err := proc.Signal(syscallSig0()); err != nil {
		return pid, false, nil
	}
	return pid, true, nil
}

// String is a human-readable summary, used by the status subcommand.
func (p Paths) String() string {
	return fmt.Sprintf("shellyd home: %v", p.Dir)
}
