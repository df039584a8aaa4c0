package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/foldwatch/foldwatch/internal/identity"
	"github.com/foldwatch/foldwatch/internal/state"
	"github.com/foldwatch/foldwatch/internal/wire"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultInitialBackoff   = 1 * time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultBackoffFactor    = 2.0
	defaultMaxAttempts      = 10
	defaultRefreshInterval  = 30 * time.Second

	failureChannelBuffer = 8
	sessionIDBytes       = 12
)

type Config struct {
	URL              string        `mapstructure:"url"`
	Origin           string        `mapstructure:"origin"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	return c
}

// connectError carries the failure classification for one attempt.
type connectError struct {
	reason FailureReason
	err    error
}

func (e *connectError) Error() string { return e.err.Error() }
func (e *connectError) Unwrap() error { return e.err }

// Client owns one logical relay connection. A single background worker
// performs all network I/O and decryption and shares nothing mutable with
// consumers: state flows out exclusively as immutable snapshots through the
// aggregator's store, and failures through a buffered channel.
type Client struct {
	cfg  Config
	keys *identity.KeyStore
	agg  *state.Aggregator

	state       atomic.Int32
	lastFailure atomic.Pointer[Failure]
	failures    chan Failure

	stopCh chan struct{}
	doneCh chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(cfg Config, keys *identity.KeyStore, agg *state.Aggregator) *Client {
	return &Client{
		cfg:      cfg.withDefaults(),
		keys:     keys,
		agg:      agg,
		failures: make(chan Failure, failureChannelBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (c *Client) Start() error {
	go c.connectionLoop()
	return nil
}

// Stop shuts the worker down. The signal is observed between frames and
// during backoff delays; Stop returns once the worker has reached
// Disconnected.
func (c *Client) Stop() error {
	slog.Info("Stopping relay client")
	close(c.stopCh)
	c.closeConn()
	<-c.doneCh
	slog.Info("Relay client stopped")
	return nil
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// LastFailure returns the most recent failure, or nil.
func (c *Client) LastFailure() *Failure {
	return c.lastFailure.Load()
}

// Failures delivers one value per failed attempt. The channel is buffered
// and writes never block the worker; slow consumers miss intermediate
// failures, not the permanent one kept in LastFailure.
func (c *Client) Failures() <-chan Failure {
	return c.failures
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	delay := c.cfg.InitialBackoff
	attempts := 0

	for {
		if c.stopped() {
			c.setState(StateDisconnected)
			return
		}

		sessionKey, err := c.connect()
		if err == nil {
			attempts = 0
			delay = c.cfg.InitialBackoff

			err = c.stream(sessionKey)
			c.closeConn()
			if c.stopped() {
				c.setState(StateDisconnected)
				return
			}

			c.setState(StateError)
			attempts++
			permanent := attempts >= c.cfg.MaxAttempts
			c.fail(Failure{Reason: ReasonConnectionLost, Err: err, Attempts: attempts, Permanent: permanent})
			if permanent {
				slog.Error("Relay connection lost and attempt ceiling reached, giving up", "attempts", attempts)
				return
			}
		} else {
			if c.stopped() {
				c.setState(StateDisconnected)
				return
			}

			c.setState(StateError)
			attempts++

			var ce *connectError
			reason := ReasonTransportFailure
			if errors.As(err, &ce) {
				reason = ce.reason
			}

			if reason == ReasonHandshakeFailure {
				// Retrying with the same key material can never succeed; a
				// persistent mismatch means wrong keys or wrong identifier
				// derivation, surfaced as a configuration problem.
				c.fail(Failure{Reason: reason, Err: err, Attempts: attempts, Permanent: true})
				slog.Error("Relay handshake failed, not retrying", "error", err)
				return
			}

			permanent := attempts >= c.cfg.MaxAttempts
			c.fail(Failure{Reason: reason, Err: err, Attempts: attempts, Permanent: permanent})
			if permanent {
				slog.Error("Relay unreachable and attempt ceiling reached, giving up", "attempts", attempts)
				return
			}
			slog.Warn("Relay connection failed", "error", err, "attempt", attempts, "retry_in", delay)
		}

		select {
		case <-time.After(jitter(delay)):
			delay = c.nextDelay(delay)
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return
		}
	}
}

// connect runs one attempt end to end: dial, login, session-key bootstrap.
// On success the connection is Streaming and owned by c.conn.
func (c *Client) connect() (wire.SessionKey, error) {
	c.setState(StateConnecting)
	slog.Info("Connecting to relay", "url", c.cfg.URL)

	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, _, err := dialer.Dial(c.cfg.URL, header)
	if err != nil {
		return wire.SessionKey{}, &connectError{ReasonTransportFailure, fmt.Errorf("dial relay: %w", err)}
	}

	// Registered immediately so Stop can interrupt the handshake too.
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	login, err := c.loginEnvelope()
	if err != nil {
		c.closeConn()
		return wire.SessionKey{}, &connectError{ReasonHandshakeFailure, err}
	}
	if err := conn.WriteJSON(login); err != nil {
		c.closeConn()
		return wire.SessionKey{}, &connectError{ReasonTransportFailure, fmt.Errorf("send login: %w", err)}
	}

	c.setState(StateAwaitingSessionKey)

	sessionKey, err := c.awaitSessionKey(conn)
	if err != nil {
		c.closeConn()
		return wire.SessionKey{}, err
	}

	c.setState(StateStreaming)
	slog.Info("Relay session established", "machine", c.keys.MachineID())
	return sessionKey, nil
}

// awaitSessionKey reads until the relay delivers the session-key envelope
// and unwraps it with the machine private key. Only a successful decrypt of
// the exact key||iv payload moves the connection forward.
func (c *Client) awaitSessionKey(conn *websocket.Conn) (wire.SessionKey, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return wire.SessionKey{}, &connectError{ReasonTransportFailure, fmt.Errorf("await session key: %w", err)}
		}

		env, err := wire.ParseEnvelope(raw)
		if err != nil {
			slog.Debug("Skipping malformed relay message during handshake", "error", err)
			continue
		}
		if env.Type != wire.TypeSessionKey {
			slog.Debug("Skipping relay message during handshake", "type", env.Type)
			continue
		}

		ciphertext, err := base64.RawURLEncoding.DecodeString(env.Key)
		if err != nil {
			return wire.SessionKey{}, &connectError{ReasonHandshakeFailure, fmt.Errorf("decode session key: %w", err)}
		}

		sessionKey, err := wire.DecryptHandshakePayload(ciphertext, c.keys.MachinePrivateKey())
		if err != nil {
			return wire.SessionKey{}, &connectError{ReasonHandshakeFailure, err}
		}

		_ = conn.SetReadDeadline(time.Time{})
		return sessionKey, nil
	}
}

// loginEnvelope builds the single identity-bearing subscription message:
// a fresh session id and timestamp, signed with the machine key.
func (c *Client) loginEnvelope() (wire.Envelope, error) {
	session := make([]byte, sessionIDBytes)
	if _, err := rand.Read(session); err != nil {
		return wire.Envelope{}, fmt.Errorf("generate session id: %w", err)
	}

	payload, err := json.Marshal(wire.LoginPayload{
		Time:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Session: base64.RawURLEncoding.EncodeToString(session),
	})
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("marshal login payload: %w", err)
	}

	signature, err := c.keys.SignLoginPayload(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	pubkey, err := c.keys.PublicKeySPKI()
	if err != nil {
		return wire.Envelope{}, err
	}

	return wire.Envelope{
		Type:      wire.TypeLogin,
		ID:        uuid.New().String(),
		Machine:   c.keys.MachineID(),
		Payload:   payload,
		PubKey:    pubkey,
		Signature: signature,
	}, nil
}

// stream pumps frames until the transport fails or Stop is called. A frame
// that fails to decrypt or parse is dropped and logged; the connection
// stays Streaming, since one corrupted frame does not imply a compromised
// channel.
func (c *Client) stream(sessionKey wire.SessionKey) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ticker.C:
				c.agg.Refresh()
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				// Stop closed the connection under us; drain and hand the
				// loop its terminal transition.
				c.setState(StateClosing)
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.handleFrame(raw, sessionKey)
	}
}

func (c *Client) handleFrame(raw []byte, sessionKey wire.SessionKey) {
	env, err := wire.ParseEnvelope(raw)
	if err != nil {
		slog.Warn("Discarding malformed relay message", "error", err)
		return
	}
	if env.Type != wire.TypeFrame {
		slog.Debug("Ignoring relay message", "type", env.Type)
		return
	}

	var iv []byte
	if env.IV != "" {
		iv, err = base64.RawURLEncoding.DecodeString(env.IV)
		if err != nil {
			slog.Warn("Discarding frame with undecodable IV", "error", err)
			return
		}
	}
	body, err := base64.RawURLEncoding.DecodeString(env.Body)
	if err != nil {
		slog.Warn("Discarding frame with undecodable body", "error", err)
		return
	}

	plaintext, err := wire.Decrypt(body, sessionKey, iv)
	if err != nil {
		slog.Warn("Discarding undecryptable frame", "error", err)
		return
	}

	update, err := wire.ParseUpdate(plaintext)
	if err != nil {
		slog.Warn("Discarding invalid update", "error", err)
		return
	}

	c.agg.Apply(update)
	slog.Debug("Frame applied", "machine", update.Machine, "slots", len(update.Slots))
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) fail(f Failure) {
	c.lastFailure.Store(&f)
	select {
	case c.failures <- f:
	default:
		slog.Warn("Failure channel full, dropping notification", "reason", f.Reason)
	}
}

func (c *Client) nextDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * c.cfg.BackoffFactor)
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// jitter spreads a delay across 50%..150% of its nominal value so a fleet
// of agents does not reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + mathrand.Float64()))
}
