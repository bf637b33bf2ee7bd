// Package audit implements the append-only command/output/connection event
// log described in spec §4.8: one JSON record per line, age-based rotation,
// mode-0600 permissions, and a hard cap on logged output length. The active
// file is rotated only by age; its size never triggers a rotation.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Kind discriminates the three record shapes spec §3 defines.
type Kind string

const (
	KindCommand    Kind = "command"
	KindOutput     Kind = "output"
	KindConnection Kind = "connection"
)

// outputCap bounds the size of a single output record's payload (spec §3).
const outputCap = 500

// rotationCheckInterval is how often the background writer re-checks the
// active file's age against the retention window, per spec §4.8 ("on
// startup and periodically").
const rotationCheckInterval = time.Hour

// Record is one append-only audit line.
type Record struct {
	Timestamp       string `json:"timestamp"` // ISO-8601 with milliseconds
	ClientSessionID string `json:"clientSessionId"`
	ClientLabel     string `json:"clientLabel"`
	Kind            Kind   `json:"kind"`
	Payload         string `json:"payload"`
}

// Sink is the process-wide audit log, serialized through a single queue so
// that logging is never on the critical path of live terminal traffic.
type Sink struct {
	path           string
	retention      time.Duration
	clock          clockwork.Clock
	log            logrus.FieldLogger

	mu      sync.Mutex
	file    *os.File
	queue   chan Record
	done    chan struct{}
	dedup   *lru.Cache // recent identical-prompt keys, debounced per spec §4.4

	// suppressUntil, when non-zero, marks an absolute time before which
	// output records are dropped — used to redact the line following a
	// sudoPassword write, per spec §4.5 ("never logged").
	suppressUntil time.Time
}

// Config configures sink construction.
type Config struct {
	Path            string
	RetentionDays   int
	Clock           clockwork.Clock
}

// New opens (creating if necessary) the audit file at cfg.Path with mode
// 0600, performs a startup rotation check, and starts the background writer
// goroutine.
func New(cfg Config) (*Sink, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	dedup, err := lru.New(64)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Sink{
		path:      cfg.Path,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		clock:     cfg.Clock,
		log:       logrus.WithField("component", "audit"),
		queue:     make(chan Record, 256),
		done:      make(chan struct{}),
		dedup:     dedup,
	}
	if err := s.rotateIfStale(); err != nil {
		s.log.WithError(err).Warn("startup rotation check failed")
	}
	if err := s.openFile(); err != nil {
		return nil, trace.Wrap(err)
	}
	go s.run()
	return s, nil
}

func (s *Sink) openFile() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.Wrap(err, "opening audit log %v", s.path)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return trace.Wrap(err)
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

// run drains the queue and appends one JSON line per record, and periodically
// re-checks the active file's age for rotation (spec §4.8: "on startup and
// periodically"). Best-effort: write errors are logged, never propagated,
// per spec §7.
func (s *Sink) run() {
	ticker := s.clock.NewTicker(rotationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case rec := <-s.queue:
			s.writeLine(rec)
		case <-ticker.Chan():
			if err := s.rotateIfStaleLocked(); err != nil {
				s.log.WithError(err).Warn("periodic rotation check failed")
			}
		case <-s.done:
			// Drain remaining queued records before exiting.
			for {
				select {
				case rec := <-s.queue:
					s.writeLine(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) writeLine(rec Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Error("failed to marshal audit record")
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return
	}
	if _, err := f.Write(line); err != nil {
		s.log.WithError(err).Error("failed to append audit record")
	}
}

// enqueue is best-effort: a full queue drops the record rather than block
// live traffic, per spec §4.8/§7.
func (s *Sink) enqueue(rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.log.Warn("audit queue full, dropping record")
	}
}

func now(s *Sink) string {
	return s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Command logs a committed shell command line. Commands are never
// truncated, per spec §4.8.
func (s *Sink) Command(sessionID, label, command string) {
	s.enqueue(Record{
		Timestamp:       now(s),
		ClientSessionID: sessionID,
		ClientLabel:     label,
		Kind:            KindCommand,
		Payload:         command,
	})
}

// Output logs a chunk of shell output, capped at 500 bytes. If a
// SuppressOutput window is active (immediately following a sudoPassword
// write), the record is dropped instead of logged.
func (s *Sink) Output(sessionID, label, text string) {
	if s.clock.Now().Before(s.suppressUntil) {
		return
	}
	if len(text) > outputCap {
		text = text[:outputCap]
	}
	s.enqueue(Record{
		Timestamp:       now(s),
		ClientSessionID: sessionID,
		ClientLabel:     label,
		Kind:            KindOutput,
		Payload:         text,
	})
}

// SuppressOutputFor marks the next d of output records as not-to-be-logged,
// per spec §4.5: "audit output frames occurring within one line of this
// write are suppressed from the audit sink."
func (s *Sink) SuppressOutputFor(d time.Duration) {
	s.mu.Lock()
	s.suppressUntil = s.clock.Now().Add(d)
	s.mu.Unlock()
}

// Connection logs a connection-lifecycle event: establish or terminate.
func (s *Sink) Connection(sessionID, label, cause string) {
	s.enqueue(Record{
		Timestamp:       now(s),
		ClientSessionID: sessionID,
		ClientLabel:     label,
		Kind:            KindConnection,
		Payload:         cause,
	})
}

// ShouldLogPrompt reports whether a sudo-prompt sniff at the given key
// (session ID + command) should be logged, debouncing exact repeats within
// the dedup window so a single prompt doesn't spam the log on redraw.
func (s *Sink) ShouldLogPrompt(key string) bool {
	if _, ok := s.dedup.Get(key); ok {
		return false
	}
	s.dedup.Add(key, struct{}{})
	return true
}

// Close flushes any queued records and closes the file.
func (s *Sink) Close() error {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return trace.Wrap(err)
}

// rotateIfStale renames the active file to a timestamped archive if its
// mtime is older than the retention window, then prunes archives older than
// the window. Called at startup; the periodic re-check in run() goes
// through rotateIfStaleLocked instead.
func (s *Sink) rotateIfStale() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if s.clock.Now().Sub(info.ModTime()) < s.retention {
		return nil
	}
	return s.rotate()
}

// Rotate forces a rotation regardless of age — exposed for periodic callers.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := s.rotate(); err != nil {
		return trace.Wrap(err)
	}
	return s.openFileLocked()
}

// rotateIfStaleLocked is the periodic-check counterpart of rotateIfStale: it
// only rotates (and reopens the file handle, since a rename invalidates the
// existing fd's path) when the active file is actually past the retention
// window.
func (s *Sink) rotateIfStaleLocked() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if s.clock.Now().Sub(info.ModTime()) < s.retention {
		return nil
	}
	return s.Rotate()
}

func (s *Sink) openFileLocked() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.Wrap(err)
	}
	s.file = f
	return nil
}

func (s *Sink) rotate() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	archive := fmt.Sprintf("%s.%s", s.path, s.clock.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, archive); err != nil {
		return trace.Wrap(err)
	}
	return s.pruneArchives()
}

func (s *Sink) pruneArchives() error {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) <= len(base)+1 {
			continue
		}
		if e.Name()[:len(base)+1] != base+"." {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if s.clock.Now().Sub(info.ModTime()) > s.retention {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
