package config

import (
	"os"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	return Paths{Dir: t.TempDir()}
}

func TestEnsureCreatesDirectory(t *testing.T) {
	p := Paths{Dir: t.TempDir() + "/nested/shellyd"}
	require.NoError(t, p.Ensure())
	info, err := os.Stat(p.Dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestWriteReadRemovePID(t *testing.T) {
	p := testPaths(t)

	_, err := p.ReadPID()
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, p.WritePID(1234))
	pid, err := p.ReadPID()
	require.NoError(t, err)
	require.Equal(t, 1234, pid)

	require.NoError(t, p.RemovePID())
	_, err = p.ReadPID()
	require.True(t, trace.IsNotFound(err))

	// Removing an already-absent PID file is not an error.
	require.NoError(t, p.RemovePID())
}

func TestIsRunningFalseWhenNoPIDFile(t *testing.T) {
	p := testPaths(t)
	_, running, err := p.IsRunning()
	require.NoError(t, err)
	require.False(t, running)
}

func TestIsRunningTrueForOwnProcess(t *testing.T) {
	p := testPaths(t)
	require.NoError(t, p.WritePID(os.Getpid()))
	pid, running, err := p.IsRunning()
	require.NoError(t, err)
	require.True(t, running)
	require.Equal(t, os.Getpid(), pid)
}

func TestPathHelpersAreUnderDir(t *testing.T) {
	p := testPaths(t)
	require.Contains(t, p.AuthorizedKeys(), p.Dir)
	require.Contains(t, p.ServerCert(), p.Dir)
	require.Contains(t, p.ServerKey(), p.Dir)
	require.Contains(t, p.AuditLog(), p.Dir)
	require.Contains(t, p.PIDFile(), p.Dir)
	require.Contains(t, p.PairingCode(), p.Dir)
	require.Contains(t, p.ProfileFile(), p.Dir)
}
