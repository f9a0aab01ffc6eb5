// Package client owns the websocket channel to the broker: opening,
// authenticating, reconnecting and closing. It is the sole source of inbound
// events for the rest of the engine.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/venlare/chatsync/pkg/protocol"
)

// ErrAuthenticationMissing is returned by Open when no token is configured.
// No connection attempt is made.
var ErrAuthenticationMissing = errors.New("authentication token missing")

// errConnClosed marks a read loop ended by Close rather than the transport.
var errConnClosed = errors.New("connection closed")

// Config holds the connection parameters.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws.
	URL string
	// Token authenticates the handshake as a bearer credential.
	Token string
	// RetryAttempts bounds automatic reconnection; once exhausted the
	// connection fails permanently and a new Open is required.
	RetryAttempts int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
}

func (c *Config) defaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// EventHandler receives every decoded inbound event in delivery order.
type EventHandler func(evt protocol.Event)

// StateHandler observes every state transition. lastErr carries the error
// string that drove the transition, empty when none.
type StateHandler func(state State, lastErr string)

// Conn is a connection handle for one room. Close is terminal; reopening a
// room means a fresh Open.
type Conn struct {
	cfg    Config
	roomID string

	mu      sync.Mutex
	state   State
	lastErr string
	ws      *websocket.Conn
	closed  bool

	// wmu serializes frame writes; the websocket allows one writer at a time.
	wmu sync.Mutex

	onEvent EventHandler
	onState StateHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open dials the configured endpoint and joins roomID. It fails immediately
// with ErrAuthenticationMissing when no token is present; any transport
// outcome after that is reported asynchronously through onState, ending in
// either StateConnected or StateFailed.
func Open(cfg Config, roomID string, onEvent EventHandler, onState StateHandler) (*Conn, error) {
	cfg.defaults()
	if cfg.Token == "" {
		return nil, ErrAuthenticationMissing
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:     cfg,
		roomID:  roomID,
		state:   StateDisconnected,
		onEvent: onEvent,
		onState: onState,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.transition(StateConnecting, "")
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// State returns the current state and the last error string.
func (c *Conn) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Send emits a command. It fails with an error when the connection is not
// currently established; callers decide whether that is worth surfacing.
func (c *Conn) Send(evt protocol.Event) error {
	c.mu.Lock()
	ws := c.ws
	st := c.state
	c.mu.Unlock()

	if st != StateConnected || ws == nil {
		return errors.New("connection not established")
	}

	data, err := evt.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.Write(ctx, websocket.MessageText, data)
}

// Close tears down the transport, cancels any pending reconnection wait and
// transitions to Disconnected. The handle is unusable afterwards.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	c.transition(StateDisconnected, "")
}

// run drives the connection: initial dial, read loop, bounded reconnection.
func (c *Conn) run() {
	defer c.wg.Done()

	ws, err := c.dial()
	if err != nil {
		if !c.reconnect(err) {
			return
		}
	} else {
		c.attach(ws)
	}

	for {
		err := c.readLoop()
		if c.isClosed() || errors.Is(err, errConnClosed) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"room":  c.roomID,
			"error": err,
		}).Warn("transport error, reconnecting")
		if !c.reconnect(err) {
			return
		}
	}
}

// dial performs a single handshake with the bearer token attached.
func (c *Conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	ws, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	return ws, err
}

// attach installs an established transport, transitions to Connected and
// announces the room to the broker.
func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.transition(StateConnected, "")

	join, err := protocol.NewEvent(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: c.roomID})
	if err == nil {
		err = c.Send(join)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room":  c.roomID,
			"error": err,
		}).Warn("failed to announce room join")
	}
}

// reconnect retries the dial a bounded number of times with a fixed delay.
// Returns true once reattached; false when the handle was closed or the
// attempts are exhausted, in which case the state is Failed and no further
// automatic attempt occurs.
func (c *Conn) reconnect(cause error) bool {
	c.transition(StateReconnecting, cause.Error())
	lastErr := cause

	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		ws, err := c.dial()
		if err != nil {
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"room":    c.roomID,
				"attempt": attempt,
				"error":   err,
			}).Debug("reconnect attempt failed")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"room":    c.roomID,
			"attempt": attempt,
		}).Info("reconnected")
		c.attach(ws)
		return true
	}

	c.transition(StateFailed, lastErr.Error())
	return false
}

// readLoop decodes inbound frames and hands them to the event handler until
// the transport errors or the handle closes.
func (c *Conn) readLoop() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errConnClosed
	}

	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.isClosed() {
				return errConnClosed
			}
			return err
		}

		var evt protocol.Event
		if err := evt.Decode(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"room":  c.roomID,
				"error": err,
			}).Warn("dropping undecodable frame")
			continue
		}

		if c.onEvent != nil {
			c.onEvent(evt)
		}
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// transition is the single place state changes. It records the last error
// and notifies the observer.
func (c *Conn) transition(to State, errMsg string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if errMsg != "" {
		c.lastErr = errMsg
	}
	c.mu.Unlock()

	if from != to {
		logrus.WithFields(logrus.Fields{
			"room": c.roomID,
			"from": from,
			"to":   to,
		}).Debug("connection state change")
	}

	if c.onState != nil {
		c.onState(to, errMsg)
	}
}
