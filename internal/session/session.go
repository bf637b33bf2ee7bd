// Package session implements the per-connection protocol state machine
// (spec §4.5): decoding envelopes, driving the pairing/auth handshake,
// routing terminal I/O, and mediating sudo confirmations.
//
// Grounded on lib/kube/proxy/streamproto/proto.go's SessionStream: a single
// goroutine reads frames off a gorilla/websocket connection and dispatches
// on a tagged JSON control message, while a writer lock serializes outbound
// frames onto one "thread" per connection (spec §5).
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/shellyd/shellyd/internal/audit"
	"github.com/shellyd/shellyd/internal/keystore"
	"github.com/shellyd/shellyd/internal/pairing"
	"github.com/shellyd/shellyd/internal/profile"
	"github.com/shellyd/shellyd/internal/protocol"
	"github.com/shellyd/shellyd/internal/shell"
)

// Phase is the connection's place in the handshake/terminal lifecycle.
type Phase string

const (
	PhaseAwaitingHello       Phase = "awaiting-hello"
	PhaseAwaitingAuthResponse Phase = "awaiting-auth-response"
	PhaseAwaitingPairVerify   Phase = "awaiting-pair-verify"
	PhaseOpen                Phase = "open"
	PhaseClosing              Phase = "closing"
)

const challengeSize = 32

// serverVersion is advertised in authChallenge.
const serverVersion = "1.0.0"

// suppressWindow is how long output audit records are suppressed for after
// a sudoPassword write, per spec §4.5 ("within one line of this write").
const suppressWindow = 2 * time.Second

// Transport is the minimal framed-channel contract a Connection needs; the
// listener package supplies a gorilla/websocket-backed implementation.
type Transport interface {
	// ReadMessage blocks for the next frame, reporting whether it was a
	// binary-opcode frame.
	ReadMessage() (data []byte, isBinary bool, err error)
	// WriteText sends a text-opcode frame.
	WriteText(data []byte) error
	// WriteBinary sends a binary-opcode frame.
	WriteBinary(data []byte) error
	Close() error
}

// Deps bundles the process-wide singletons a Connection consults.
type Deps struct {
	Keys           *keystore.Store
	Pairing        *pairing.Controller
	Audit          *audit.Sink
	Profile        *profile.Store
	Fingerprint    string // trust material's certificate fingerprint
	ShellFactory   func(rows, cols int, onOutput shell.OutputFunc, onCommand shell.CommandFunc, onPrompt shell.PromptFunc, onExit shell.ExitFunc) (*shell.Session, error)

	// PairingAllowed gates whether a pairRequest is honored at all. The CLI
	// wiring layer sets this true when the authorized-keys store is empty,
	// or when the operator forced it with `shellyd start --pairing`.
	PairingAllowed bool
}

// Connection is one client's connection state machine.
type Connection struct {
	id        string
	transport Transport
	deps      Deps
	log       logrus.FieldLogger

	mu    sync.Mutex
	phase Phase

	pendingChallenge []byte
	clientPublicKey  ed25519.PublicKey
	clientLabel      string
	sessionID        string

	shellSession *shell.Session

	pendingSudo map[string]string // requestID -> command, awaiting approve/deny

	writeMu sync.Mutex // single-writer discipline onto the transport
}

// New constructs a Connection bound to transport, ready to run its
// lifecycle starting in awaiting-hello.
func New(transport Transport, deps Deps) *Connection {
	return &Connection{
		id:          uuid.NewString(),
		transport:   transport,
		deps:        deps,
		log:         logrus.WithField("component", "conn"),
		phase:       PhaseAwaitingHello,
		pendingSudo: make(map[string]string),
	}
}

// Phase returns the connection's current phase (tests / diagnostics).
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Run drives the connection until the peer disconnects, an unrecoverable
// error occurs, or the shell session exits. Inbound messages are dispatched
// serially on this single goroutine, per spec §5.
func (c *Connection) Run() {
	defer c.teardown()
	for {
		data, isBinary, err := c.transport.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("transport read ended")
			return
		}
		if isBinary {
			// Binary opcode frames are raw terminal input, regardless of
			// phase gating on JSON envelope types — spec §4.5/§6/§9(a).
			if c.Phase() == PhaseOpen {
				c.writeToShell(data)
			}
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.sendError("BadFrame", "could not decode envelope", true)
			continue
		}
		if shouldClose := c.dispatch(env); shouldClose {
			return
		}
	}
}

// dispatch routes one envelope by current phase and type. Returns true if
// the connection should close after handling.
func (c *Connection) dispatch(env protocol.Envelope) bool {
	phase := c.Phase()
	switch phase {
	case PhaseAwaitingHello:
		return c.handleAwaitingHello(env)
	case PhaseAwaitingPairVerify:
		return c.handleAwaitingPairVerify(env)
	case PhaseAwaitingAuthResponse:
		return c.handleAwaitingAuthResponse(env)
	case PhaseOpen:
		return c.handleOpen(env)
	default:
		return true
	}
}

func (c *Connection) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// --- awaiting-hello ---

func (c *Connection) handleAwaitingHello(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypePairRequest:
		var p protocol.PairRequestPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.sendError("BadPayload", err.Error(), true)
			return false
		}
		return c.handlePairRequest(p)

	case protocol.TypeHello:
		var p protocol.HelloPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.sendError("BadPayload", err.Error(), true)
			return false
		}
		return c.handleHello(p)

	default:
		c.sendError("OutOfPhase", fmt.Sprintf("unexpected %v in awaiting-hello", env.Type), false)
		return true
	}
}

func (c *Connection) handlePairRequest(p protocol.PairRequestPayload) bool {
	if !c.deps.PairingAllowed {
		c.sendError("PairingNotAllowed", "pairing is not currently accepted by this host", false)
		return true
	}
	if !c.deps.Pairing.TryAcquire() {
		c.sendError("PairingInProgress", "another pairing attempt is active", false)
		return true
	}
	raw, err := base64.StdEncoding.DecodeString(p.Key)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		c.sendError("InvalidKey", "malformed proposed key", false)
		return true
	}
	code, err := c.deps.Pairing.Generate(raw, p.Label)
	if err != nil {
		c.sendError("Internal", "failed to generate pairing code", false)
		return true
	}
	c.log.Infof("pairing requested by label=%q", p.Label)

	humanText := fmt.Sprintf("Enter the code shown on the host to finish pairing %q.", p.Label)
	env, err := protocol.New(protocol.TypePairChallenge, protocol.PairChallengePayload{
		HostLabel: hostLabel(),
		HumanText: humanText,
	})
	if err != nil {
		return true
	}
	c.sendEnvelope(env)
	_ = code // displayed out-of-band by the pairing controller's display helper
	c.setPhase(PhaseAwaitingPairVerify)
	return false
}

func (c *Connection) handleHello(p protocol.HelloPayload) bool {
	raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		c.closeWithAuthFailure()
		return true
	}
	ok, err := c.deps.Keys.IsAuthorized(keystore.AlgorithmEd25519, raw)
	if err != nil || !ok {
		c.log.Warnf("hello from unauthorized key, device=%q", p.DeviceName)
		c.closeWithAuthFailure()
		return true
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		c.sendError("Internal", "failed to generate challenge", false)
		return true
	}

	c.mu.Lock()
	c.pendingChallenge = challenge
	c.clientPublicKey = ed25519.PublicKey(raw)
	c.clientLabel = p.DeviceName
	c.mu.Unlock()

	env, err := protocol.New(protocol.TypeAuthChallenge, protocol.AuthChallengePayload{
		Challenge:     base64.StdEncoding.EncodeToString(challenge),
		ServerVersion: serverVersion,
	})
	if err != nil {
		return true
	}
	c.sendEnvelope(env)
	c.setPhase(PhaseAwaitingAuthResponse)
	return false
}

func (c *Connection) closeWithAuthFailure() {
	env, err := protocol.New(protocol.TypeAuthResult, protocol.AuthResultPayload{Success: false})
	if err == nil {
		c.sendEnvelope(env)
	}
}

// --- awaiting-pair-verify ---

func (c *Connection) handleAwaitingPairVerify(env protocol.Envelope) bool {
	if env.Type != protocol.TypePairVerify {
		c.sendError("OutOfPhase", fmt.Sprintf("unexpected %v in awaiting-pair-verify", env.Type), false)
		return true
	}
	var p protocol.PairVerifyPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		c.sendError("BadPayload", err.Error(), true)
		return false
	}

	attempt, ok := c.deps.Pairing.Verify(p.Code)
	if !ok {
		env, _ := protocol.New(protocol.TypePairResponse, protocol.PairResponsePayload{
			Success: false,
			Message: "invalid or expired code",
		})
		c.sendEnvelope(env)
		return true
	}

	if _, err := c.deps.Keys.Add(keystore.AlgorithmEd25519, attempt.ProposedKey, attempt.ProposedLabel); err != nil {
		env, _ := protocol.New(protocol.TypePairResponse, protocol.PairResponsePayload{
			Success: false,
			Message: "failed to commit key: " + err.Error(),
		})
		c.sendEnvelope(env)
		return true
	}

	env2, err := protocol.New(protocol.TypePairResponse, protocol.PairResponsePayload{
		Success:               true,
		CertificateFingerprint: c.deps.Fingerprint,
	})
	if err == nil {
		c.sendEnvelope(env2)
	}
	return true // client reconnects with a real auth flow, per spec §4.5
}

// --- awaiting-auth-response ---

func (c *Connection) handleAwaitingAuthResponse(env protocol.Envelope) bool {
	if env.Type != protocol.TypeAuthResponse {
		c.sendError("OutOfPhase", fmt.Sprintf("unexpected %v in awaiting-auth-response", env.Type), false)
		return true
	}
	var p protocol.AuthResponsePayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		c.sendError("BadPayload", err.Error(), true)
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		c.closeWithAuthFailure()
		return true
	}

	c.mu.Lock()
	challenge := c.pendingChallenge
	pubKey := c.clientPublicKey
	c.mu.Unlock()

	if !ed25519.Verify(pubKey, challenge, sig) {
		c.log.Warn("auth response signature verification failed")
		c.closeWithAuthFailure()
		return true
	}

	c.sessionID = uuid.NewString()
	env2, err := protocol.New(protocol.TypeAuthResult, protocol.AuthResultPayload{
		Success:      true,
		SessionToken: c.sessionID,
	})
	if err != nil {
		return true
	}
	c.sendEnvelope(env2)
	c.deps.Audit.Connection(c.sessionID, c.clientLabel, "establish")

	// settingsSync must be the first server-initiated frame after
	// auth-result{success=true} (spec §5), so it's sent before the shell
	// exists at all — otherwise its async PTY reader goroutine could win the
	// race for the write lock and deliver terminalOutput first.
	c.setPhase(PhaseOpen)
	c.sendSettingsSync()

	if err := c.startShell(); err != nil {
		c.sendError("ShellStartFailed", err.Error(), false)
		c.setPhase(PhaseClosing)
		return true
	}

	return false
}

func (c *Connection) startShell() error {
	sess, err := c.deps.ShellFactory(24, 80, c.onShellOutput, c.onShellCommand, c.onShellPrompt, c.onShellExit)
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	c.shellSession = sess
	c.mu.Unlock()
	return nil
}

func (c *Connection) sendSettingsSync() {
	p := c.deps.Profile.Snapshot()
	env, err := protocol.New(protocol.TypeSettingsSync, protocol.SettingsSyncPayload{
		TLSEnabled:                p.TLSEnabled,
		CertificatePinningEnabled: p.CertificatePinningEnabled,
		SessionTimeoutEnabled:     p.SessionTimeoutEnabled,
		SessionTimeoutSeconds:     p.SessionTimeoutSeconds,
		AuditLoggingEnabled:       p.AuditLoggingEnabled,
		AuditLogRetentionDays:     p.AuditLogRetentionDays,
	})
	if err == nil {
		c.sendEnvelope(env)
	}
}

// --- open ---

func (c *Connection) handleOpen(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeTerminalInput:
		var p protocol.TerminalInputPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			// Forward-compat fallback: treat the raw envelope payload as
			// input bytes, per spec §9 Open Question (a).
			c.writeToShell(env.Payload)
			return false
		}
		c.writeToShell(p.Data)
		return false

	case protocol.TypeTerminalResize:
		var p protocol.TerminalResizePayload
		if err := protocol.DecodePayload(env, &p); err == nil {
			c.resizeShell(p.Rows, p.Cols)
		}
		return false

	case protocol.TypeSudoConfirmResponse:
		var p protocol.SudoConfirmResponsePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return false
		}
		c.handleSudoConfirmResponse(p)
		return false

	case protocol.TypeSudoPassword:
		var p protocol.SudoPasswordPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return false
		}
		c.handleSudoPassword(p)
		return false

	case protocol.TypeSettingsUpdate:
		var p protocol.SettingsUpdatePayload
		if err := protocol.DecodePayload(env, &p); err == nil {
			c.handleSettingsUpdate(p)
		}
		return false

	case protocol.TypePing:
		env, err := protocol.New(protocol.TypePong, struct{}{})
		if err == nil {
			c.sendEnvelope(env)
		}
		return false

	case protocol.TypeDisconnect:
		return true

	default:
		c.sendError("OutOfPhase", fmt.Sprintf("unexpected %v while open", env.Type), true)
		return false
	}
}

func (c *Connection) writeToShell(data []byte) {
	c.mu.Lock()
	sess := c.shellSession
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if _, err := sess.Write(data); err != nil {
		c.log.WithError(err).Warn("failed to write terminal input to shell")
	}
}

func (c *Connection) resizeShell(rows, cols int) {
	c.mu.Lock()
	sess := c.shellSession
	c.mu.Unlock()
	if sess == nil || rows <= 0 || cols <= 0 {
		return
	}
	if err := sess.Resize(rows, cols); err != nil {
		c.log.WithError(err).Warn("resize failed")
	}
}

func (c *Connection) handleSudoConfirmResponse(p protocol.SudoConfirmResponsePayload) {
	c.mu.Lock()
	_, known := c.pendingSudo[p.RequestID]
	delete(c.pendingSudo, p.RequestID)
	sess := c.shellSession
	c.mu.Unlock()
	if !known || sess == nil {
		return
	}
	if !p.Approved {
		sess.Write([]byte{0x03}) // end-of-text cancels the prompt
	}
	// If approved, the daemon waits for the follow-up sudoPassword frame.
}

func (c *Connection) handleSudoPassword(p protocol.SudoPasswordPayload) {
	c.mu.Lock()
	sess := c.shellSession
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.deps.Audit.SuppressOutputFor(suppressWindow)
	sess.Write([]byte(p.Password + "\n"))
}

func (c *Connection) handleSettingsUpdate(p protocol.SettingsUpdatePayload) {
	reconnectRequired, err := c.deps.Profile.Apply(p.Setting, p.Value)
	confirm := protocol.SettingsConfirmPayload{
		Setting:           p.Setting,
		Success:           err == nil,
		ReconnectRequired: reconnectRequired,
	}
	if err != nil {
		confirm.Message = err.Error()
	}
	env, encErr := protocol.New(protocol.TypeSettingsConfirm, confirm)
	if encErr == nil {
		c.sendEnvelope(env)
	}
}

// --- shell callbacks ---

func (c *Connection) onShellOutput(chunk []byte) {
	env, err := protocol.New(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{Data: chunk})
	if err != nil {
		return
	}
	c.sendEnvelope(env)
	c.deps.Audit.Output(c.sessionID, c.clientLabel, string(chunk))
}

// onShellCommand fires once per committed input line, independent of
// whether the line ever turns out to precede a password prompt — this is
// the audit sink's primary destination for the committed line, per spec
// §4.4 ("hand it to the audit sink and to the sudo-prompt inference").
func (c *Connection) onShellCommand(command string) {
	if command == "" {
		return
	}
	c.deps.Audit.Command(c.sessionID, c.clientLabel, command)
}

// onShellPrompt fires when the shell session infers a privileged-command
// password prompt from its output. sudoConfirmRequest is always sent: duplicate prompts
// (e.g. a shell redrawing "Password:" on a retry) are handled idempotently
// by the client, per spec §4.4, so the daemon must never suppress the
// request itself. ShouldLogPrompt only debounces the audit entry for the
// prompt so retries don't spam the log with repeats of the same command.
func (c *Connection) onShellPrompt(command string) {
	reqID := uuid.NewString()
	c.mu.Lock()
	c.pendingSudo[reqID] = command
	c.mu.Unlock()

	env, err := protocol.New(protocol.TypeSudoConfirmRequest, protocol.SudoConfirmRequestPayload{
		ID:      reqID,
		Command: command,
	})
	if err == nil {
		c.sendEnvelope(env)
	}
	if command != "" && c.deps.Audit.ShouldLogPrompt(c.sessionID+":"+command) {
		c.deps.Audit.Command(c.sessionID, c.clientLabel, command)
	}
}

func (c *Connection) onShellExit(err error) {
	c.log.Infof("shell exited for session %v: %v", c.sessionID, err)
	c.setPhase(PhaseClosing)
	c.transport.Close()
}

// --- outbound plumbing ---

func (c *Connection) sendEnvelope(env protocol.Envelope) {
	if c.Phase() == PhaseClosing {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		c.log.WithError(err).Error("failed to encode outbound envelope")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.WriteText(data); err != nil {
		c.log.WithError(err).Debug("failed to write outbound frame")
	}
}

func (c *Connection) sendError(code, message string, recoverable bool) {
	env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	})
	if err != nil {
		return
	}
	c.sendEnvelope(env)
}

func (c *Connection) teardown() {
	c.setPhase(PhaseClosing)
	c.mu.Lock()
	sess := c.shellSession
	sessionID := c.sessionID
	label := c.clientLabel
	c.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
	if sessionID != "" {
		c.deps.Audit.Connection(sessionID, label, "terminate")
	}
	c.transport.Close()
}

func hostLabel() string {
	return "shellyd"
}
