package chat

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/venlare/chatsync/internal/client"
	"github.com/venlare/chatsync/pkg/protocol"
)

// MaxMessageLen is the longest accepted message content, in characters,
// measured after trimming.
const MaxMessageLen = 1000

// Config holds session parameters. Zero timer values fall back to defaults.
type Config struct {
	// URL is the broker websocket endpoint.
	URL string
	// Token is the bearer credential for the handshake.
	Token string
	// TypingDebounce is the local typing inactivity window.
	TypingDebounce time.Duration
	// TypingDecay is how long remote typing stays raised without refresh.
	TypingDecay time.Duration
	// RetryAttempts and RetryDelay bound automatic reconnection.
	RetryAttempts int
	RetryDelay    time.Duration
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
}

// Session synchronizes one active room: it owns the connection handle, fans
// inbound events out to the store, typing coordinator and presence tracker,
// and gates outbound commands on connection state.
//
// All derived state is scoped to the active room. Switching rooms closes the
// old handle, cancels every timer and clears the store, presence and typing
// flags before any event of the new room can apply; the epoch counter drops
// callbacks that still belong to a previous room.
type Session struct {
	cfg Config

	mu       sync.Mutex
	epoch    int
	roomID   string
	conn     *client.Conn
	state    client.State
	lastErr  string
	onUpdate func()

	store    *Store
	typing   *TypingCoordinator
	presence *PresenceTracker
}

// NewSession creates a session with no active room.
func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:      cfg,
		state:    client.StateDisconnected,
		store:    NewStore(),
		presence: NewPresenceTracker(),
	}
	s.typing = NewTypingCoordinator(cfg.TypingDebounce, cfg.TypingDecay, s.sendTypingSignal)
	return s
}

// OnUpdate registers a hook invoked after any observable state change, so a
// rendering surface can redraw. Must be set before Open.
func (s *Session) OnUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Open activates roomID, tearing down any previously active room first. It
// returns client.ErrAuthenticationMissing when no token is configured;
// transport progress is observable through State and the update hook.
func (s *Session) Open(roomID string) error {
	s.teardown()

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.roomID = roomID
	s.lastErr = ""
	s.state = client.StateDisconnected
	s.mu.Unlock()

	conn, err := client.Open(client.Config{
		URL:           s.cfg.URL,
		Token:         s.cfg.Token,
		RetryAttempts: s.cfg.RetryAttempts,
		RetryDelay:    s.cfg.RetryDelay,
		DialTimeout:   s.cfg.DialTimeout,
	}, roomID,
		func(evt protocol.Event) { s.handleEvent(epoch, evt) },
		func(st client.State, lastErr string) { s.handleState(epoch, st, lastErr) },
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if epoch != s.epoch {
		// A concurrent switch superseded this open before it finished.
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Close ends the session: the transport is torn down, timers cancelled and
// all per-room state cleared.
func (s *Session) Close() {
	s.teardown()

	s.mu.Lock()
	s.epoch++
	s.roomID = ""
	s.lastErr = ""
	s.state = client.StateDisconnected
	s.mu.Unlock()
	s.notify()
}

// teardown closes the active handle and clears room-scoped state. The close
// completes before the reset so no event from the old transport can land on
// the cleared state.
func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.typing.Reset()
	s.store.Reset()
	s.presence.Reset()
}

// SendMessage validates and emits a send_message command. Content is
// trimmed; empty or oversized content yields a ValidationError without
// touching the wire, and sending while not connected yields ErrNotConnected.
func (s *Session) SendMessage(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return &ValidationError{Reason: "message is empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLen {
		return &ValidationError{Reason: "message exceeds maximum length"}
	}

	s.mu.Lock()
	conn := s.conn
	roomID := s.roomID
	st := s.state
	s.mu.Unlock()

	if st != client.StateConnected || conn == nil {
		return ErrNotConnected
	}

	evt, err := protocol.NewEvent(protocol.CommandSendMessage, protocol.SendMessage{
		RoomID:  roomID,
		Content: trimmed,
	})
	if err != nil {
		return err
	}
	return conn.Send(evt)
}

// LocalInput records local typing activity. The coordinator debounces the
// burst into one start and one stop signal.
func (s *Session) LocalInput() {
	s.typing.LocalInput()
}

// MarkAsRead emits a read_message receipt. Best-effort: a receipt lost to a
// dead connection is not user-visible, so there is nothing to surface.
func (s *Session) MarkAsRead(messageID string) {
	s.mu.Lock()
	conn := s.conn
	roomID := s.roomID
	st := s.state
	s.mu.Unlock()

	if st != client.StateConnected || conn == nil {
		return
	}

	evt, err := protocol.NewEvent(protocol.CommandReadMessage, protocol.ReadMessage{
		MessageID: messageID,
		RoomID:    roomID,
	})
	if err == nil {
		err = conn.Send(evt)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room":    roomID,
			"message": messageID,
			"error":   err,
		}).Debug("read receipt dropped")
	}
}

// sendTypingSignal emits a typing command. Best-effort, same policy as
// MarkAsRead.
func (s *Session) sendTypingSignal(isTyping bool) {
	s.mu.Lock()
	conn := s.conn
	roomID := s.roomID
	st := s.state
	s.mu.Unlock()

	if st != client.StateConnected || conn == nil {
		return
	}

	evt, err := protocol.NewEvent(protocol.CommandTyping, protocol.Typing{
		RoomID:   roomID,
		IsTyping: isTyping,
	})
	if err == nil {
		err = conn.Send(evt)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room":  roomID,
			"error": err,
		}).Debug("typing signal dropped")
	}
}

// Snapshot returns the active room's messages in arrival order.
func (s *Session) Snapshot() []Message {
	return s.store.Snapshot()
}

// PartnerOnline reports the partner's last known presence.
func (s *Session) PartnerOnline() bool {
	return s.presence.Online()
}

// PartnerTyping reports whether the partner is currently typing.
func (s *Session) PartnerTyping() bool {
	return s.typing.RemoteActive()
}

// State returns the connection state as last observed by the session.
func (s *Session) State() client.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the active room id, empty when none.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// LastError returns the current error string, empty when healthy. Transport
// failures and server error events both land here; nothing is thrown across
// the event loop.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// handleEvent applies one inbound event. The epoch check under the session
// lock guarantees events from a superseded room cannot mutate current state.
func (s *Session) handleEvent(epoch int, evt protocol.Event) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID

	switch evt.Type {
	case protocol.EventNewMessage:
		var msg protocol.NewMessage
		if err := evt.DecodePayload(&msg); err != nil {
			s.mu.Unlock()
			s.logBadPayload(evt, err)
			return
		}
		if msg.RoomID != "" && msg.RoomID != roomID {
			s.mu.Unlock()
			return
		}
		s.store.Ingest(msg)

	case protocol.EventUserTyping:
		if !roomMatches(evt, roomID) {
			s.mu.Unlock()
			return
		}
		s.typing.RemoteTyping()

	case protocol.EventTypingStopped:
		if !roomMatches(evt, roomID) {
			s.mu.Unlock()
			return
		}
		s.typing.RemoteStopped()

	case protocol.EventUserOnlineStatus:
		var status protocol.OnlineStatus
		if err := evt.DecodePayload(&status); err != nil {
			s.mu.Unlock()
			s.logBadPayload(evt, err)
			return
		}
		if status.RoomID != "" && status.RoomID != roomID {
			s.mu.Unlock()
			return
		}
		s.presence.SetOnline(status.Online)

	case protocol.EventUserJoined:
		if !roomMatches(evt, roomID) {
			s.mu.Unlock()
			return
		}
		s.presence.PeerJoined()

	case protocol.EventMessageRead:
		var read protocol.MessageRead
		if err := evt.DecodePayload(&read); err != nil {
			s.mu.Unlock()
			s.logBadPayload(evt, err)
			return
		}
		s.store.MarkRead(read.MessageID, read.ReadAt)

	case protocol.EventError:
		var srvErr protocol.ServerError
		if err := evt.DecodePayload(&srvErr); err != nil {
			s.mu.Unlock()
			s.logBadPayload(evt, err)
			return
		}
		s.lastErr = srvErr.Message

	default:
		logrus.WithFields(logrus.Fields{
			"room": roomID,
			"type": evt.Type,
		}).Debug("ignoring unknown event")
	}
	s.mu.Unlock()

	s.notify()
}

// handleState mirrors the connection state into the session and derives
// presence from transport loss.
func (s *Session) handleState(epoch int, st client.State, lastErr string) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == client.StateConnected
	s.state = st
	if lastErr != "" {
		s.lastErr = lastErr
	}
	if st == client.StateConnected {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if wasConnected && st != client.StateConnected {
		s.presence.TransportLost()
	}

	s.notify()
}

// roomMatches reports whether a room-scoped event addresses roomID. Events
// without a payload are taken as addressing the active room.
func roomMatches(evt protocol.Event, roomID string) bool {
	if len(evt.Payload) == 0 {
		return true
	}
	var ref protocol.RoomRef
	if err := evt.DecodePayload(&ref); err != nil {
		return true
	}
	return ref.RoomID == "" || ref.RoomID == roomID
}

func (s *Session) logBadPayload(evt protocol.Event, err error) {
	logrus.WithFields(logrus.Fields{
		"type":  evt.Type,
		"error": err,
	}).Warn("dropping event with bad payload")
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
