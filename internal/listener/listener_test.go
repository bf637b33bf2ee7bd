package listener

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shellyd/shellyd/internal/audit"
	"github.com/shellyd/shellyd/internal/keystore"
	"github.com/shellyd/shellyd/internal/pairing"
	"github.com/shellyd/shellyd/internal/profile"
	"github.com/shellyd/shellyd/internal/protocol"
	"github.com/shellyd/shellyd/internal/session"
	"github.com/shellyd/shellyd/internal/shell"
)

func newTestServer(t *testing.T, maxConns int) (*httptest.Server, *keystore.Store) {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.New(filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	pc := pairing.New(clock, nil, "")
	as, err := audit.New(audit.Config{Path: filepath.Join(dir, "audit.log"), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { as.Close() })
	ps, err := profile.Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	l := New(Config{
		MaxConnections: maxConns,
		NewDeps: func() session.Deps {
			return session.Deps{
				Keys:        ks,
				Pairing:     pc,
				Audit:       as,
				Profile:     ps,
				Fingerprint: "SHA256:TEST",
				ShellFactory: func(rows, cols int, onOutput shell.OutputFunc, onCommand shell.CommandFunc, onPrompt shell.PromptFunc, onExit shell.ExitFunc) (*shell.Session, error) {
					return shell.Start(shell.Config{Shell: "/bin/sh", Rows: rows, Cols: cols, OnOutput: onOutput, OnCommand: onCommand, OnPrompt: onPrompt, OnExit: onExit})
				},
				PairingAllowed: true,
			}
		},
	})
	srv := httptest.NewServer(l.plain.Handler)
	t.Cleanup(srv.Close)
	return srv, ks
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + wsPath
}

func TestUpgradeAndAuthHandshakeOverRealSocket(t *testing.T) {
	srv, ks := newTestServer(t, 0)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = ks.Add(keystore.AlgorithmEd25519, pub, "phone")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	helloEnv, err := protocol.New(protocol.TypeHello, protocol.HelloPayload{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		DeviceName: "phone",
	})
	require.NoError(t, err)
	data, err := protocol.Encode(helloEnv)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	challengeEnv, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAuthChallenge, challengeEnv.Type)

	var challenge protocol.AuthChallengePayload
	require.NoError(t, protocol.DecodePayload(challengeEnv, &challenge))
	rawChallenge, err := base64.StdEncoding.DecodeString(challenge.Challenge)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, rawChallenge)

	respEnv, err := protocol.New(protocol.TypeAuthResponse, protocol.AuthResponsePayload{
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	require.NoError(t, err)
	respData, err := protocol.Encode(respEnv)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, respData))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw2, err := conn.ReadMessage()
	require.NoError(t, err)
	resultEnv, err := protocol.Decode(raw2)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAuthResult, resultEnv.Type)
	var result protocol.AuthResultPayload
	require.NoError(t, protocol.DecodePayload(resultEnv, &result))
	require.True(t, result.Success)
}

func TestMaxConnectionsRefusesUpgrade(t *testing.T) {
	srv, ks := newTestServer(t, 1)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = ks.Add(keystore.AlgorithmEd25519, pub, "phone")
	require.NoError(t, err)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}
