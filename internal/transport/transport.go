// Package transport implements SessionTransport (§4.1): a single
// authenticated duplex WebSocket session with login, subscribe, heartbeat,
// and unconditional reconnect, generalized from the donor app's Binance
// user-data-stream connect/reconnect/heartbeat loop to the exchange's
// login/subscribe/ping-pong protocol (§6).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"okx-reconcile-engine/config"
)

// Credential is the apiKey/secret/passphrase triple the login frame signs
// with. Matches vault.Credential's shape without importing the vault
// package, keeping transport independent of the credential store.
type Credential struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// CredentialSource resolves the credential triple for an account. A
// *vault.Client satisfies this once its return type is adapted by the
// caller (see cmd/reconcile).
type CredentialSource interface {
	GetCredential(ctx context.Context) (Credential, error)
}

// StaticCredential is a CredentialSource that always returns the same
// triple — used for tests and for deployments that inject credentials via
// config rather than Vault.
type StaticCredential Credential

func (c StaticCredential) GetCredential(context.Context) (Credential, error) {
	return Credential(c), nil
}

// FrameHandler is the single frame consumer SessionTransport delivers to,
// in receipt order (§4.1 onFrame).
type FrameHandler func(Frame)

// Dialer abstracts *websocket.Dialer for testing.
type Dialer interface {
	Dial(urlStr string, header map[string][]string) (*websocket.Conn, error)
}

type gorillaDialer struct{ d *websocket.Dialer }

func (g gorillaDialer) Dial(urlStr string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := g.d.Dial(urlStr, nil)
	return conn, err
}

// SessionTransport is the single authenticated streaming session described
// in §4.1.
type SessionTransport struct {
	cfg      config.TransportConfig
	creds    CredentialSource
	channels []string
	dialer   Dialer
	log      zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	running    bool
	ready      atomic.Bool
	healthy    atomic.Bool
	subscribed map[string]bool

	lastMessageAt atomic.Int64 // unix nano
	pendingPong   atomic.Bool
	pingSentAt    atomic.Int64

	handlerMu sync.RWMutex
	handler   FrameHandler

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a SessionTransport. channels is the subscribe list, e.g.
// {"orders", "positions"}.
func New(cfg config.TransportConfig, creds CredentialSource, channels []string, log zerolog.Logger) *SessionTransport {
	t := &SessionTransport{
		cfg:        cfg,
		creds:      creds,
		channels:   channels,
		dialer:     gorillaDialer{d: &websocket.Dialer{Proxy: websocket.DefaultDialer.Proxy, HandshakeTimeout: cfg.ConnectTimeout}},
		log:        log.With().Str("component", "transport").Logger(),
		subscribed: make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	t.healthy.Store(true)
	return t
}

// SetDialer overrides the dialer, for tests.
func (t *SessionTransport) SetDialer(d Dialer) { t.dialer = d }

// OnFrame registers the single frame consumer (§4.1).
func (t *SessionTransport) OnFrame(h FrameHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// IsReady reports connected ∧ logged-in ∧ all channels subscribed ∧ healthy
// (§4.1).
func (t *SessionTransport) IsReady() bool {
	return t.ready.Load() && t.healthy.Load()
}

// Start is idempotent and begins the connect loop (§4.1).
func (t *SessionTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.connectLoop(ctx)
	return nil
}

// Stop tears the session down gracefully; no further frames are delivered
// after it returns (§4.1).
func (t *SessionTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	select {
	case <-t.doneCh:
	case <-time.After(3 * time.Second):
		t.log.Warn().Msg("session transport shutdown exceeded 3s, abandoning")
	}
}

func (t *SessionTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

func (t *SessionTransport) connectLoop(ctx context.Context) {
	defer close(t.doneCh)

	for t.isRunning() {
		err := t.runSession(ctx)
		t.ready.Store(false)

		if errors.Is(err, ErrAuth) {
			t.healthy.Store(false)
			t.log.Error().Err(err).Msg("login rejected, halting session permanently")
			return
		}
		if !t.isRunning() {
			return
		}
		if err != nil {
			t.log.Warn().Err(err).Msg("session ended, reconnecting")
		}

		select {
		case <-t.stopCh:
			return
		case <-time.After(t.cfg.ReconnectInterval):
		}
	}
}

// runSession dials, logs in, subscribes, then pumps frames until the
// connection drops or stop is requested.
func (t *SessionTransport) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	_ = dialCtx // the gorilla dialer doesn't take a context; New bounds the dial with HandshakeTimeout = ConnectTimeout

	conn, err := t.dialer.Dial(t.cfg.PrivateURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	t.subscribed = make(map[string]bool)
	t.mu.Unlock()
	t.touch()

	rawCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go readPump(conn, rawCh, errCh)

	if err := t.login(conn, rawCh, errCh); err != nil {
		return err
	}
	for _, ch := range t.channels {
		if err := t.subscribe(conn, ch, rawCh, errCh); err != nil {
			return err
		}
	}

	t.ready.Store(true)
	t.log.Info().Strs("channels", t.channels).Msg("session ready")

	return t.pump(conn, rawCh, errCh)
}

func (t *SessionTransport) login(conn *websocket.Conn, rawCh <-chan []byte, errCh <-chan error) error {
	cred, err := t.creds.GetCredential(context.Background())
	if err != nil {
		return fmt.Errorf("%w: credential lookup: %v", ErrAuth, err)
	}
	ts := nowTimestamp()
	req := loginRequest{
		Op: "login",
		Args: [1]loginArgs{{
			APIKey:     cred.APIKey,
			Passphrase: cred.Passphrase,
			Timestamp:  ts,
			Sign:       loginSignature(cred.Secret, ts),
		}},
	}
	if err := t.writeJSON(conn, req); err != nil {
		return fmt.Errorf("%w: send login: %v", ErrTransport, err)
	}

	deadline := time.After(t.cfg.ConnectTimeout)
	for {
		select {
		case raw, ok := <-rawCh:
			if !ok {
				return fmt.Errorf("%w: connection closed awaiting login ack", ErrTransport)
			}
			t.touch()
			frame, err := decodeFrame(raw)
			if err != nil {
				t.log.Warn().Err(err).Msg("dropping unparseable frame while awaiting login")
				continue
			}
			ack, ok := frame.(LoginAck)
			if !ok {
				continue
			}
			if !ack.Accepted() {
				return fmt.Errorf("%w: code=%s msg=%s", ErrAuth, ack.Code, ack.Msg)
			}
			return nil
		case err := <-errCh:
			return fmt.Errorf("%w: %v", ErrTransport, err)
		case <-deadline:
			return fmt.Errorf("%w: login ack", ErrTimeout)
		}
	}
}

func (t *SessionTransport) subscribe(conn *websocket.Conn, channel string, rawCh <-chan []byte, errCh <-chan error) error {
	req := subscribeRequest{
		Op:   "subscribe",
		Args: []subscribeArgs{{Channel: channel, InstType: "SWAP"}},
	}
	if err := t.writeJSON(conn, req); err != nil {
		return fmt.Errorf("%w: send subscribe: %v", ErrTransport, err)
	}

	deadline := time.After(30 * time.Second)
	for {
		select {
		case raw, ok := <-rawCh:
			if !ok {
				return fmt.Errorf("%w: connection closed awaiting subscribe ack", ErrTransport)
			}
			t.touch()
			frame, err := decodeFrame(raw)
			if err != nil {
				t.log.Warn().Err(err).Msg("dropping unparseable frame while awaiting subscribe ack")
				continue
			}
			ack, ok := frame.(SubscribeAck)
			if !ok || ack.Channel != channel {
				continue
			}
			if !ack.Accepted() {
				return fmt.Errorf("%w: channel=%s code=%s", ErrSubscribe, channel, ack.Code)
			}
			t.mu.Lock()
			t.subscribed[channel] = true
			t.mu.Unlock()
			return nil
		case err := <-errCh:
			return fmt.Errorf("%w: %v", ErrTransport, err)
		case <-deadline:
			return fmt.Errorf("%w: subscribe ack channel=%s", ErrTimeout, channel)
		}
	}
}

// pump is the steady-state loop: dispatch frames in receipt order, drive the
// heartbeat, and watch for shutdown (§4.1, §5).
func (t *SessionTransport) pump(conn *websocket.Conn, rawCh <-chan []byte, errCh <-chan error) error {
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-t.stopCh:
			return nil
		case raw, ok := <-rawCh:
			if !ok {
				return fmt.Errorf("%w: read loop closed", ErrTransport)
			}
			t.touch()
			t.dispatch(raw)
		case err := <-errCh:
			return fmt.Errorf("%w: %v", ErrTransport, err)
		case <-heartbeat.C:
			if err := t.tick(conn); err != nil {
				return err
			}
		}
	}
}

func (t *SessionTransport) dispatch(raw []byte) {
	if bytes.Equal(raw, []byte("pong")) {
		t.pendingPong.Store(false)
		return
	}
	if bytes.Equal(raw, []byte("ping")) {
		return
	}

	frame, err := decodeFrame(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) {
			t.log.Warn().Err(err).Msg("dropping unrecognized frame")
			return
		}
		t.log.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}
	if _, ok := frame.(Pong); ok {
		t.pendingPong.Store(false)
		return
	}

	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h != nil {
		h(frame)
	}
}

// tick runs the once-per-second heartbeat check (§4.1).
func (t *SessionTransport) tick(conn *websocket.Conn) error {
	now := time.Now()
	last := time.Unix(0, t.lastMessageAt.Load())

	if t.pendingPong.Load() {
		sentAt := time.Unix(0, t.pingSentAt.Load())
		if now.Sub(sentAt) >= t.cfg.PingTimeout {
			return fmt.Errorf("%w: ping->pong", ErrTimeout)
		}
		return nil
	}

	if now.Sub(last) >= t.cfg.HeartbeatInterval {
		if err := t.writeRaw(conn, []byte("ping")); err != nil {
			return fmt.Errorf("%w: send ping: %v", ErrTransport, err)
		}
		t.pendingPong.Store(true)
		t.pingSentAt.Store(now.UnixNano())
	}
	return nil
}

func (t *SessionTransport) touch() {
	t.lastMessageAt.Store(time.Now().UnixNano())
}

func (t *SessionTransport) writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.writeRaw(conn, data)
}

func (t *SessionTransport) writeRaw(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readPump(conn *websocket.Conn, rawCh chan<- []byte, errCh chan<- error) {
	defer close(rawCh)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		rawCh <- data
	}
}
