// Package pairing implements the one-time out-of-band trust bootstrap: a
// short-lived 6-digit code bridging a new device's proposed key into the
// authorized-keys store.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// validity is the pairing attempt's absolute deadline, per spec §3.
const validity = 10 * time.Minute

// DisplayHelper is the external collaborator (§6) that surfaces a pairing
// code to the operator and dismisses it once consumed.
type DisplayHelper interface {
	Show(code, deviceLabel string)
	Dismiss()
}

// Attempt is the single process-wide pairing attempt's state.
type Attempt struct {
	Code         string
	Expiry       time.Time
	ProposedKey  []byte
	ProposedLabel string
}

// Controller owns at most one active Attempt at a time.
type Controller struct {
	mu      sync.Mutex
	active  *Attempt
	clock   clockwork.Clock
	display DisplayHelper
	log     logrus.FieldLogger

	// codePath, when non-empty, is a sidecar file the code is written to
	// for operator convenience (spec §4.3); typically ~/.shellyd/pairing_code.
	codePath string
}

// New constructs a Controller. display and codePath may be the zero value
// (nil / "") to disable the respective side effects.
func New(clock clockwork.Clock, display DisplayHelper, codePath string) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		clock:    clock,
		display:  display,
		codePath: codePath,
		log:      logrus.WithField("component", "pairing"),
	}
}

// Generate draws a uniform 6-digit code, replaces any prior active attempt,
// and triggers the display helper. proposedKey/proposedLabel are the
// device's candidate key, stored until verification.
func (c *Controller) Generate(proposedKey []byte, proposedLabel string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", trace.Wrap(err)
	}

	c.mu.Lock()
	c.active = &Attempt{
		Code:          code,
		Expiry:        c.clock.Now().Add(validity),
		ProposedKey:   append([]byte(nil), proposedKey...),
		ProposedLabel: proposedLabel,
	}
	c.mu.Unlock()

	if c.codePath != "" {
		if werr := os.WriteFile(c.codePath, []byte(code), 0o600); werr != nil {
			c.log.WithError(werr).Warn("failed to write pairing_code sidecar file")
		}
	}
	if c.display != nil {
		c.display.Show(code, proposedLabel)
	}
	c.log.Infof("pairing attempt generated for label=%q", proposedLabel)
	return code, nil
}

// randomCode draws a uniform value in [000000, 999999], zero-padded.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Verify consumes the active attempt (success or failure) and reports
// whether code matched an unexpired attempt. The matched attempt, if any,
// is returned so the caller can commit its proposed key.
func (c *Controller) Verify(code string) (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := c.active
	c.active = nil // consumed regardless of outcome

	if c.display != nil {
		c.display.Dismiss()
	}
	if c.codePath != "" {
		os.Remove(c.codePath)
	}

	if attempt == nil {
		return Attempt{}, false
	}
	if c.clock.Now().After(attempt.Expiry) {
		c.log.Warn("pairing verify attempted after expiry")
		return Attempt{}, false
	}
	if attempt.Code != code {
		c.log.Warn("pairing verify code mismatch")
		return Attempt{}, false
	}
	return *attempt, true
}

// IsActive reports whether there is a currently unexpired attempt.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && !c.clock.Now().After(c.active.Expiry)
}

// TryAcquire reports whether the caller may start a new pairing attempt:
// true if there is no currently unexpired attempt. Contention resolves by
// rejecting the late pair-request, per spec §5.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.clock.Now().After(c.active.Expiry) {
		return false
	}
	return true
}
