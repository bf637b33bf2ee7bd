// Package keystore manages the daemon's authorized Ed25519 client keys,
// persisted one-per-line in ~/.shellyd/authorized_keys.
package keystore

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Algorithm identifies a supported key algorithm. Only the Ed25519 family
// is accepted, per spec §3.
type Algorithm string

const (
	AlgorithmEd25519 Algorithm = "ed25519"
)

// Key is one authorized client public key.
type Key struct {
	Algorithm Algorithm
	Bytes     []byte // raw key bytes, ed25519.PublicKeySize long
	Label     string
}

// Fingerprint returns the key's stable identifier: SHA256:<base64-no-pad>.
func (k Key) Fingerprint() string {
	return Fingerprint(k.Bytes)
}

// Fingerprint computes the tagged digest spec §4.1 defines: SHA-256 of the
// raw key bytes, base64-encoded, trailing '=' stripped, "SHA256:" prefixed.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	enc := base64.StdEncoding.EncodeToString(sum[:])
	enc = strings.TrimRight(enc, "=")
	return "SHA256:" + enc
}

// Store is the authorized-keys file. It is the source of truth: every query
// re-reads the backing file, since the file is expected to stay small.
type Store struct {
	path string
	log  logrus.FieldLogger

	// mu serializes add/remove against each other within this process;
	// flock additionally serializes against other processes (e.g. a
	// concurrent `shellyd add-key` invocation while the daemon is running).
	mu sync.Mutex
}

// New returns a Store backed by path. The file is created with mode 0600 if
// it does not already exist.
func New(path string) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if werr := os.WriteFile(path, nil, 0o600); werr != nil {
			return nil, trace.Wrap(werr, "creating authorized_keys at %v", path)
		}
	} else if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, trace.Wrap(err, "enforcing mode 0600 on %v", path)
	}
	return &Store{
		path: path,
		log:  logrus.WithField("component", "keystore"),
	}, nil
}

// List parses the current file contents and returns every well-formed key.
// Malformed lines are skipped with a warning — never fatal, per spec §4.1.
func (s *Store) List() ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]Key, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, trace.Wrap(err, "reading %v", s.path)
	}
	var keys []Key
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := parseLine(line)
		if err != nil {
			s.log.Warnf("authorized_keys:%d: skipping malformed line: %v", lineNo, err)
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return keys, nil
}

// parseLine splits "<algorithm> <base64> <optional free-form label>".
func parseLine(line string) (Key, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Key{}, trace.BadParameter("expected at least algorithm and key blob, got %q", line)
	}
	algo := Algorithm(fields[0])
	if algo != AlgorithmEd25519 {
		return Key{}, trace.BadParameter("unsupported algorithm %q", fields[0])
	}
	raw, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return Key{}, trace.Wrap(err, "decoding base64 key blob")
	}
	if len(raw) != ed25519.PublicKeySize {
		return Key{}, trace.BadParameter("expected %d-byte ed25519 key, got %d", ed25519.PublicKeySize, len(raw))
	}
	label := ""
	if len(fields) > 2 {
		label = strings.Join(fields[2:], " ")
	}
	return Key{Algorithm: algo, Bytes: raw, Label: label}, nil
}

func serializeLine(k Key) string {
	enc := base64.StdEncoding.EncodeToString(k.Bytes)
	if k.Label == "" {
		return fmt.Sprintf("%s %s", k.Algorithm, enc)
	}
	return fmt.Sprintf("%s %s %s", k.Algorithm, enc, k.Label)
}

// IsAuthorized reports whether a key with the same (algorithm, raw bytes)
// appears in the store. Label is cosmetic and ignored, per spec §4.1.
func (s *Store) IsAuthorized(algo Algorithm, raw []byte) (bool, error) {
	keys, err := s.List()
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, k := range keys {
		if k.Algorithm == algo && bytes.Equal(k.Bytes, raw) {
			return true, nil
		}
	}
	return false, nil
}

// Add appends a new key under label, atomically rewriting the file.
// Returns AlreadyExists if the fingerprint is already present.
func (s *Store) Add(algo Algorithm, raw []byte, label string) (Key, error) {
	if algo != AlgorithmEd25519 {
		return Key{}, trace.BadParameter("InvalidKeyFormat: unsupported algorithm %q", algo)
	}
	if len(raw) != ed25519.PublicKeySize {
		return Key{}, trace.BadParameter("InvalidKeyFormat: expected %d-byte key, got %d", ed25519.PublicKeySize, len(raw))
	}
	key := Key{Algorithm: algo, Bytes: raw, Label: label}

	fileLock := flock.New(s.path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return Key{}, trace.Wrap(err, "locking %v", s.path)
	}
	defer fileLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.list()
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	fp := key.Fingerprint()
	for _, existing := range keys {
		if existing.Fingerprint() == fp {
			return Key{}, trace.AlreadyExists("key %v already authorized", fp)
		}
	}
	keys = append(keys, key)
	if err := s.rewrite(keys); err != nil {
		return Key{}, trace.Wrap(err)
	}
	s.log.Infof("authorized new key %v label=%q", fp, label)
	return key, nil
}

// Remove deletes the key with the given fingerprint. Returns NotFound if no
// such key exists.
func (s *Store) Remove(fingerprint string) error {
	fileLock := flock.New(s.path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return trace.Wrap(err, "locking %v", s.path)
	}
	defer fileLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.list()
	if err != nil {
		return trace.Wrap(err)
	}
	out := keys[:0]
	found := false
	for _, k := range keys {
		if k.Fingerprint() == fingerprint {
			found = true
			continue
		}
		out = append(out, k)
	}
	if !found {
		return trace.NotFound("no authorized key with fingerprint %v", fingerprint)
	}
	if err := s.rewrite(out); err != nil {
		return trace.Wrap(err)
	}
	s.log.Infof("removed key %v", fingerprint)
	return nil
}

// rewrite atomically replaces the file contents: write to a temp file in the
// same directory, fsync, then rename over the original.
func (s *Store) rewrite(keys []Key) error {
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(serializeLine(k))
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dirOf(s.path), ".authorized_keys-*")
	if err != nil {
		return trace.Wrap(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op if rename succeeds

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.Wrap(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
