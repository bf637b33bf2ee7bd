package keystore

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)
	return s
}

func genKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub
}

func TestAddListRemoveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	pub := genKey(t)

	added, err := s.Add(AlgorithmEd25519, pub, "Phone A")
	require.NoError(t, err)
	require.Equal(t, "Phone A", added.Label)

	keys, err := s.List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, added.Fingerprint(), keys[0].Fingerprint())

	ok, err := s.IsAuthorized(AlgorithmEd25519, pub)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Remove(added.Fingerprint()))

	keys, err = s.List()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestAddRemoveReturnsToPriorState(t *testing.T) {
	s := newTestStore(t)
	pub := genKey(t)

	before, err := os.ReadFile(s.path)
	require.NoError(t, err)

	added, err := s.Add(AlgorithmEd25519, pub, "ephemeral")
	require.NoError(t, err)
	require.NoError(t, s.Remove(added.Fingerprint()))

	after, err := os.ReadFile(s.path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestAddDuplicateFingerprintFails(t *testing.T) {
	s := newTestStore(t)
	pub := genKey(t)

	_, err := s.Add(AlgorithmEd25519, pub, "one")
	require.NoError(t, err)
	_, err = s.Add(AlgorithmEd25519, pub, "two")
	require.Error(t, err)
}

func TestRemoveUnknownFingerprintFails(t *testing.T) {
	s := newTestStore(t)
	err := s.Remove("SHA256:doesnotexist")
	require.Error(t, err)
}

func TestUnsupportedAlgorithmRejectedOnAdd(t *testing.T) {
	s := newTestStore(t)
	pub := genKey(t)
	_, err := s.Add("rsa", pub, "bad")
	require.Error(t, err)
}

func TestMalformedAndUnsupportedLinesAreSkippedNotFatal(t *testing.T) {
	s := newTestStore(t)
	content := "# comment\n\nssh-rsa AAAAB3NotEd25519== some-label\nnot-even-two-fields\n"
	require.NoError(t, os.WriteFile(s.path, []byte(content), 0o600))

	keys, err := s.List()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFingerprintStableAcrossCalls(t *testing.T) {
	pub := genKey(t)
	require.Equal(t, Fingerprint(pub), Fingerprint(pub))
}

func TestLabelIsCosmeticForAuthorization(t *testing.T) {
	s := newTestStore(t)
	pub := genKey(t)
	_, err := s.Add(AlgorithmEd25519, pub, "original label")
	require.NoError(t, err)

	ok, err := s.IsAuthorized(AlgorithmEd25519, pub)
	require.NoError(t, err)
	require.True(t, ok)
}
