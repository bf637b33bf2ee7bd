package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/shellyd/shellyd/internal/audit"
	"github.com/shellyd/shellyd/internal/config"
	"github.com/shellyd/shellyd/internal/discovery"
	"github.com/shellyd/shellyd/internal/keystore"
	"github.com/shellyd/shellyd/internal/listener"
	"github.com/shellyd/shellyd/internal/pairing"
	"github.com/shellyd/shellyd/internal/pairingui"
	"github.com/shellyd/shellyd/internal/profile"
	"github.com/shellyd/shellyd/internal/session"
	"github.com/shellyd/shellyd/internal/shell"
	"github.com/shellyd/shellyd/internal/trustmaterial"
)

var log = logrus.WithField("component", "daemon")

func runStart(ctx context.Context, host string, port int, forcePairing bool) error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := paths.Ensure(); err != nil {
		return trace.Wrap(err)
	}

	if pid, running, _ := paths.IsRunning(); running {
		return trace.AlreadyExists("shellyd already running with pid %d", pid)
	}

	keys, err := keystore.New(paths.AuthorizedKeys())
	if err != nil {
		return trace.Wrap(err)
	}
	if err := trustmaterial.Ensure(paths.ServerCert(), paths.ServerKey()); err != nil {
		return trace.Wrap(err)
	}
	material, err := trustmaterial.Load(paths.ServerCert(), paths.ServerKey())
	if err != nil {
		return trace.Wrap(err)
	}
	prof, err := profile.Load(paths.ProfileFile())
	if err != nil {
		return trace.Wrap(err)
	}
	fileCfg := prof.FileSnapshot()
	auditSink, err := audit.New(audit.Config{
		Path:          paths.AuditLog(),
		RetentionDays: prof.Snapshot().AuditLogRetentionDays,
		Clock:         clockwork.NewRealClock(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer auditSink.Close()

	display := pairingui.NewConsoleDisplay()
	pairingCtl := pairing.New(clockwork.NewRealClock(), display, paths.PairingCode())

	existingKeys, err := keys.List()
	if err != nil {
		return trace.Wrap(err)
	}
	var pairingAllowed atomic.Bool
	pairingAllowed.Store(forcePairing || len(existingKeys) == 0)
	if pairingAllowed.Load() {
		log.Info("pairing is currently accepted by this host")
	}

	// spec §4.7: `shellyd pair` activates the controller without requiring
	// an active listener — against an already-running daemon it signals
	// this process to start accepting pairRequest rather than spinning up a
	// second listener. NewDeps is invoked fresh per accepted connection, so
	// flipping the flag takes effect on the very next connection.
	sigUsr1 := make(chan os.Signal, 1)
	signal.Notify(sigUsr1, syscall.SIGUSR1)
	defer signal.Stop(sigUsr1)
	go func() {
		for range sigUsr1 {
			pairingAllowed.Store(true)
			log.Info("received SIGUSR1: pairing now accepted by this host")
		}
	}()

	advertiser := discovery.NewNoopAdvertiser()
	txt := discovery.TXTRecord(version, "linux")
	if err := advertiser.Advertise("shellyd", port, txt); err != nil {
		log.WithError(err).Warn("discovery advertisement failed")
	}
	defer advertiser.Shutdown()

	maxConnections := fileCfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 8
	}
	configuredShell := fileCfg.Shell
	sudoInterceptionEnabled := fileCfg.EnableSudoInterception

	lst := listener.New(listener.Config{
		Host:           host,
		Port:           port,
		MaxConnections: maxConnections,
		TLS:            material,
		NewDeps: func() session.Deps {
			return session.Deps{
				Keys:        keys,
				Pairing:     pairingCtl,
				Audit:       auditSink,
				Profile:     prof,
				Fingerprint: material.Fingerprint(),
				ShellFactory: func(rows, cols int, onOutput shell.OutputFunc, onCommand shell.CommandFunc, onPrompt shell.PromptFunc, onExit shell.ExitFunc) (*shell.Session, error) {
					if !sudoInterceptionEnabled {
						// spec §6 config.json "enableSudoInterception": the
						// shell still runs sudo normally, the daemon just
						// never infers a password prompt from its output.
						onPrompt = nil
					}
					return shell.Start(shell.Config{Shell: configuredShell, Rows: rows, Cols: cols, OnOutput: onOutput, OnCommand: onCommand, OnPrompt: onPrompt, OnExit: onExit})
				},
				PairingAllowed: pairingAllowed.Load(),
			}
		},
	})

	if err := paths.WritePID(os.Getpid()); err != nil {
		return trace.Wrap(err)
	}
	defer paths.RemovePID()
	if err := paths.WriteListenAddr(fmt.Sprintf("%s:%d", host, port)); err != nil {
		return trace.Wrap(err)
	}
	if err := prof.RecordListenAddress(host, port); err != nil {
		log.WithError(err).Warn("failed to record listen address in config.json")
	}

	log.Infof("shellyd %v starting, fingerprint=%v", version, material.Fingerprint())
	return lst.Serve(ctx)
}

// runPair implements `shellyd pair` (spec §4.7: "activates the controller
// without requiring an active listener"). Against an already-running
// daemon it just signals that process to start accepting pairing, rather
// than starting a second listener. With no daemon running there's nothing
// to signal, so it falls back to a foreground start with pairing forced on
// — the same path `start --pairing` takes.
func runPair(ctx context.Context, host string, port int) error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return trace.Wrap(err)
	}
	if pid, running, _ := paths.IsRunning(); running {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := proc.Signal(syscall.SIGUSR1); err != nil {
			return trace.Wrap(err, "signaling pid %d to accept pairing", pid)
		}
		fmt.Printf("signaled running daemon (pid %d) to accept pairing\n", pid)
		return nil
	}
	return runStart(ctx, host, port, true)
}

func runStop() error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return trace.Wrap(err)
	}
	pid, running, err := paths.IsRunning()
	if err != nil {
		return trace.Wrap(err)
	}
	if !running {
		return trace.NotFound("shellyd is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return trace.Wrap(err, "signaling pid %d", pid)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}

func runStatus() error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return trace.Wrap(err)
	}
	pid, running, err := paths.IsRunning()
	if err != nil {
		return trace.Wrap(err)
	}
	if !running {
		fmt.Println("shellyd: not running")
		return nil
	}
	fmt.Printf("shellyd: running (pid %d)\n", pid)
	fmt.Println(paths.String())

	if material, err := trustmaterial.Load(paths.ServerCert(), paths.ServerKey()); err == nil {
		fmt.Printf("certificate fingerprint: %v\n", material.Fingerprint())
	}
	if keys, err := keystore.New(paths.AuthorizedKeys()); err == nil {
		if list, err := keys.List(); err == nil {
			fmt.Printf("authorized keys: %d\n", len(list))
		}
	}
	if _, err := os.Stat(paths.PairingCode()); err == nil {
		fmt.Println("pairing: active (code awaiting verification)")
	} else {
		fmt.Println("pairing: inactive")
	}
	if addr := paths.ReadListenAddr(); addr != "" {
		fmt.Printf("listener: %v (plain), TLS on the port above it\n", addr)
	}
	return nil
}

func runAddKey(blob, label string) error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := paths.Ensure(); err != nil {
		return trace.Wrap(err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return trace.Wrap(err, "decoding key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return trace.BadParameter("expected a %d-byte ed25519 public key, got %d", ed25519.PublicKeySize, len(raw))
	}
	keys, err := keystore.New(paths.AuthorizedKeys())
	if err != nil {
		return trace.Wrap(err)
	}
	key, err := keys.Add(keystore.AlgorithmEd25519, raw, label)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("authorized key %v (label=%q)\n", key.Fingerprint(), label)
	return nil
}
