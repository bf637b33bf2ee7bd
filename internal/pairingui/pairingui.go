// Package pairingui implements the operator-facing side of pairing: showing
// and dismissing the 6-digit code on the host machine's display.
//
// Spec §6 scopes this as an external collaborator with a minimal contract
// (pairing.DisplayHelper); this package provides a console implementation
// suitable for a headless or terminal-attached host, grounded on the
// teacher's CLI output conventions (tool/tctl/common's plain fmt.Fprintf to
// a configurable writer rather than a GUI toolkit).
package pairingui

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// ConsoleDisplay prints the pairing code to a writer (os.Stdout when built
// by NewConsoleDisplay). It keeps no record of whether a code is showing.
type ConsoleDisplay struct {
	out io.Writer
	mu  sync.Mutex
}

// NewConsoleDisplay builds a ConsoleDisplay writing to os.Stdout.
func NewConsoleDisplay() *ConsoleDisplay {
	return &ConsoleDisplay{out: os.Stdout}
}

// Show prints the code and the requesting device's label.
func (c *ConsoleDisplay) Show(code, deviceLabel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\nPairing code for %q: %s\n(expires in 10 minutes)\n\n", deviceLabel, code)
}

// Dismiss clears any on-screen pairing prompt. A console has nothing to
// take back, so this is a no-op beyond the interface contract.
func (c *ConsoleDisplay) Dismiss() {}
