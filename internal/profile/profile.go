// Package profile holds the daemon's live security posture — the settings
// exposed to the mobile client via settingsSync/settingsUpdate/
// settingsConfirm (spec §4.5, §6) — and persists it to disk.
//
// Grounded on the teacher's pattern of small, mutex-guarded, JSON-backed
// settings structs (e.g. lib/services local process state caches): a single
// struct is held behind a mutex and rewritten atomically on each change.
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
)

// SecurityProfile is the snapshot of settings synced to the client via
// settingsSync/settingsUpdate/settingsConfirm. It is the subset of
// config.json (spec §6) that the wire protocol exposes to the mobile
// client; the rest of config.json (host/port/shell/connection limits) is
// operator-configured out of band and lives in FileConfig below.
type SecurityProfile struct {
	TLSEnabled                bool `json:"tlsEnabled"`
	CertificatePinningEnabled bool `json:"certificatePinningEnabled"`
	SessionTimeoutEnabled     bool `json:"sessionTimeoutEnabled"`
	SessionTimeoutSeconds     int  `json:"sessionTimeoutSeconds"`
	AuditLoggingEnabled       bool `json:"auditLoggingEnabled"`
	AuditLogRetentionDays     int  `json:"auditLogRetentionDays"`
}

// FileConfig is the full on-disk shape of ~/.shellyd/config.json per spec
// §6, mirroring the lib/service.Config / lib/config/fileconf split: a flat
// JSON document covering both daemon startup settings (Port, Host, Shell,
// MaxConnections, EnableSudoInterception, PushNotificationsEnabled) and the
// embedded SecurityProfile the wire protocol syncs.
type FileConfig struct {
	Port                     int    `json:"port"`
	Host                     string `json:"host"`
	Shell                    string `json:"shell"`
	EnableSudoInterception   bool   `json:"enableSudoInterception"`
	PushNotificationsEnabled bool   `json:"pushNotificationsEnabled"`
	MaxConnections           int    `json:"maxConnections"`
	SecurityProfile
}

// Default matches the conservative-by-default posture spec §4 describes:
// TLS and pinning on, audit logging on, no enforced idle timeout.
func Default() SecurityProfile {
	return SecurityProfile{
		TLSEnabled:                true,
		CertificatePinningEnabled: true,
		SessionTimeoutEnabled:     false,
		SessionTimeoutSeconds:     0,
		AuditLoggingEnabled:       true,
		AuditLogRetentionDays:     30,
	}
}

// DefaultFileConfig is the full config.json seeded on first run.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Port:                     8765,
		Host:                     "0.0.0.0",
		Shell:                    "",
		EnableSudoInterception:   true,
		PushNotificationsEnabled: false,
		MaxConnections:           8,
		SecurityProfile:          Default(),
	}
}

// reconnectRequiredFor lists the setting names a settingsUpdate frame may name,
// and whether changing them requires the client to reconnect (spec §4.5:
// TLS and pinning changes take effect on the next connection, not the
// current one).
var reconnectRequiredFor = map[string]bool{
	"tlsEnabled":                true,
	"certificatePinningEnabled": true,
	"sessionTimeoutEnabled":     false,
	"sessionTimeoutSeconds":     false,
	"auditLoggingEnabled":       false,
	"auditLogRetentionDays":     false,
}

// Store is a mutex-guarded FileConfig persisted to config.json. The
// SecurityProfile half is what settingsSync/settingsUpdate operate on; the
// rest is read once at startup by the CLI wiring layer.
type Store struct {
	path string
	mu   sync.Mutex
	cur  FileConfig
}

// Load reads path if present, else seeds it with DefaultFileConfig() and
// writes it.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.cur = DefaultFileConfig()
		if werr := s.persist(); werr != nil {
			return nil, trace.Wrap(werr)
		}
		return s, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var p FileConfig
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, trace.Wrap(err, "parsing profile at %v", path)
	}
	s.cur = p
	return s, nil
}

// Snapshot returns a copy of the current security profile (the wire-facing
// subset of config.json).
func (s *Store) Snapshot() SecurityProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.SecurityProfile
}

// FileSnapshot returns a copy of the full on-disk config, including the
// daemon startup settings spec §6 lists alongside SecurityProfile.
func (s *Store) FileSnapshot() FileConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Apply applies a single named setting change and persists it, reporting
// whether the client must reconnect for the change to take effect.
func (s *Store) Apply(setting string, value interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch setting {
	case "tlsEnabled":
		b, ok := value.(bool)
		if !ok {
			return false, trace.BadParameter("tlsEnabled expects a boolean")
		}
		s.cur.TLSEnabled = b
	case "certificatePinningEnabled":
		b, ok := value.(bool)
		if !ok {
			return false, trace.BadParameter("certificatePinningEnabled expects a boolean")
		}
		s.cur.CertificatePinningEnabled = b
	case "sessionTimeoutEnabled":
		b, ok := value.(bool)
		if !ok {
			return false, trace.BadParameter("sessionTimeoutEnabled expects a boolean")
		}
		s.cur.SessionTimeoutEnabled = b
	case "sessionTimeoutSeconds":
		n, ok := asInt(value)
		if !ok || n < 0 {
			return false, trace.BadParameter("sessionTimeoutSeconds expects a non-negative number")
		}
		s.cur.SessionTimeoutSeconds = n
	case "auditLoggingEnabled":
		b, ok := value.(bool)
		if !ok {
			return false, trace.BadParameter("auditLoggingEnabled expects a boolean")
		}
		s.cur.AuditLoggingEnabled = b
	case "auditLogRetentionDays":
		n, ok := asInt(value)
		if !ok || n <= 0 {
			return false, trace.BadParameter("auditLogRetentionDays expects a positive number")
		}
		s.cur.AuditLogRetentionDays = n
	default:
		return false, trace.BadParameter("unknown setting %q", setting)
	}

	if err := s.persist(); err != nil {
		return false, trace.Wrap(err)
	}
	return reconnectRequiredFor[setting], nil
}

// RecordListenAddress persists the host/port the daemon actually bound, so
// config.json stays a truthful record across restarts (spec §6).
func (s *Store) RecordListenAddress(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Host = host
	s.cur.Port = port
	return trace.Wrap(s.persist())
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// persist assumes s.mu is held; writes atomically via a temp file + rename.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.cur, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".profile-*")
	if err != nil {
		return trace.Wrap(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	return trace.Wrap(os.Rename(tmpName, s.path))
}
