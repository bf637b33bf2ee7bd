// Package listener accepts mobile-client connections and spawns a session
// state machine for each: a plain-HTTP websocket listener on one port, and
// (when trust material is available) a TLS-terminated listener on the port
// above it, per spec §4.2.
//
// Grounded on lib/kube/proxy's websocket upgrade pattern for a single
// long-lived bidirectional stream per accepted connection, using the same
// github.com/gorilla/websocket dependency the teacher carries.
package listener

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/shellyd/shellyd/internal/session"
	"github.com/shellyd/shellyd/internal/trustmaterial"
)

const wsPath = "/ws"

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// Config configures a Listener.
type Config struct {
	Host string
	Port int

	// MaxConnections bounds concurrently accepted sessions; a connect past
	// the limit is refused at the HTTP layer, per spec §4.2.
	MaxConnections int

	// TLS, when non-nil, is served on Port+1 alongside the plain listener.
	// A TLS bind failure is logged and tolerated — the daemon keeps serving
	// plain connections rather than failing to start, per spec §4.2.
	TLS *trustmaterial.Material

	// NewDeps builds the per-accept Deps for a session.Connection. Supplied
	// by the CLI wiring layer so the listener stays decoupled from concrete
	// keystore/pairing/audit/profile instances.
	NewDeps func() session.Deps
}

// Listener owns the plain and (optional) TLS HTTP servers.
type Listener struct {
	cfg      Config
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	active int32
	inFlight sync.WaitGroup

	plain *http.Server
	tls   *http.Server
}

// New constructs a Listener bound to cfg. It does not start serving until
// Serve is called.
func New(cfg Config) *Listener {
	l := &Listener{
		cfg: cfg,
		log: logrus.WithField("component", "listener"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The mobile client is a single known counterpart authenticated
			// at the application layer (Ed25519 challenge-response); origin
			// checking adds nothing a browser-facing service would need.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handleUpgrade)
	l.plain = &http.Server{Handler: mux}
	if cfg.TLS != nil {
		tlsMux := http.NewServeMux()
		tlsMux.HandleFunc(wsPath, l.handleUpgrade)
		l.tls = &http.Server{Handler: tlsMux, TLSConfig: cfg.TLS.TLSConfig()}
	}
	return l
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.cfg.MaxConnections > 0 && atomic.LoadInt32(&l.active) >= int32(l.cfg.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	atomic.AddInt32(&l.active, 1)
	l.inFlight.Add(1)
	go func() {
		defer l.inFlight.Done()
		defer atomic.AddInt32(&l.active, -1)
		defer conn.Close()
		transport := &wsTransport{conn: conn}
		sess := session.New(transport, l.cfg.NewDeps())
		sess.Run()
	}()
}

// Serve starts the plain listener on Host:Port and, if configured, the TLS
// listener on Host:Port+1. It blocks until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	addr := hostPort(l.cfg.Host, l.cfg.Port)
	l.plain.Addr = addr

	errCh := make(chan error, 2)
	go func() {
		l.log.Infof("plain listener starting on %v", addr)
		if err := l.plain.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err, "plain listener")
		}
	}()

	if l.tls != nil {
		tlsAddr := hostPort(l.cfg.Host, l.cfg.Port+1)
		l.tls.Addr = tlsAddr
		go func() {
			l.log.Infof("tls listener starting on %v", tlsAddr)
			if err := l.tls.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				// Per spec §4.2, a TLS bind failure must not take down the
				// plain listener; log and keep running.
				l.log.WithError(err).Error("tls listener failed to start; continuing plain-only")
			}
		}()
	}

	select {
	case <-ctx.Done():
		return l.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new connections, then gives in-flight sessions a
// grace period to reach a safe point (spec §13's "graceful shutdown
// draining") before returning. http.Server.Shutdown alone isn't enough here:
// gorilla/websocket hijacks the connection away from net/http's own
// bookkeeping, so the wait has to be done explicitly over the sessions this
// listener spawned.
func (l *Listener) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.plain.Shutdown(ctx)
	}()
	if l.tls != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.tls.Shutdown(ctx)
		}()
	}
	wg.Wait()

	drained := make(chan struct{})
	go func() {
		l.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		l.log.Warn("grace period elapsed with sessions still open; exiting anyway")
	}
	return nil
}

func hostPort(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(port)
}

// wsTransport adapts a gorilla/websocket.Conn to session.Transport,
// serializing writes and fixing a write deadline per spec §5's single-writer
// discipline.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, bool, error) {
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return data, msgType == websocket.BinaryMessage, nil
}

func (t *wsTransport) WriteText(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return trace.Wrap(t.conn.WriteMessage(websocket.TextMessage, data))
}

func (t *wsTransport) WriteBinary(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return trace.Wrap(t.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
