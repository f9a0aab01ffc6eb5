// Package server implements the dev broker: a minimal room relay speaking
// the wire protocol, used by the cmd binaries and the integration tests. It
// is test and development infrastructure, not a production server.
package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/venlare/chatsync/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dev broker, any origin is fine.
	},
}

// member is one connected participant.
type member struct {
	conn     *websocket.Conn
	id       string
	name     string
	outgoing chan []byte
}

// Broker relays room-scoped events between connected participants. It
// assigns message ids and timestamps, so retransmitted client sends become
// distinct messages while broker-side redeliveries keep their id.
type Broker struct {
	address string
	token   string

	listener net.Listener
	server   *http.Server

	mu      sync.RWMutex
	rooms   map[string]map[*member]bool
	members map[*member]map[string]bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBroker creates a broker listening on address. When token is non-empty,
// handshakes must carry it as a bearer credential.
func NewBroker(address, token string) *Broker {
	return &Broker{
		address: address,
		token:   token,
		rooms:   make(map[string]map[*member]bool),
		members: make(map[*member]map[string]bool),
		quit:    make(chan struct{}),
	}
}

// Start listens and serves until Stop is called.
func (b *Broker) Start() error {
	listener, err := net.Listen("tcp", b.address)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	b.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)
	b.server = &http.Server{Handler: mux}

	logrus.WithField("addr", listener.Addr().String()).Info("broker started")

	errChan := make(chan error, 1)
	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("broker serve error: %w", err)
	case <-b.quit:
		return nil
	}
}

// Stop shuts the broker down and waits for client handlers to finish.
func (b *Broker) Stop() {
	close(b.quit)

	if b.server != nil {
		b.server.Close()
	}

	b.mu.Lock()
	for m := range b.members {
		m.conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Addr returns the listening address once started.
func (b *Broker) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return ""
}

// RoomSize returns the number of participants in a room.
func (b *Broker) RoomSize(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}

// handleWebSocket authenticates and upgrades a connection.
func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if b.token != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+b.token {
			logrus.WithField("remote", r.RemoteAddr).Warn("rejecting handshake with bad credentials")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("error", err).Warn("failed to upgrade connection")
		return
	}

	m := &member{
		conn:     conn,
		id:       uuid.NewString(),
		outgoing: make(chan []byte, 16),
	}
	m.name = r.URL.Query().Get("name")
	if m.name == "" {
		m.name = "user-" + strings.Split(m.id, "-")[0]
	}

	b.mu.Lock()
	b.members[m] = make(map[string]bool)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.handleMember(m)
}

// handleMember runs one participant's read loop and write pump.
func (b *Broker) handleMember(m *member) {
	defer b.wg.Done()
	defer func() {
		b.disconnect(m)
		close(m.outgoing)
		m.conn.Close()
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for data := range m.outgoing {
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"member": m.id,
					"error":  err,
				}).Debug("read error")
			}
			return
		}

		var evt protocol.Event
		if err := evt.Decode(data); err != nil {
			b.sendError(m, "undecodable frame")
			continue
		}

		if err := b.handleCommand(m, evt); err != nil {
			b.sendError(m, err.Error())
		}
	}
}

// handleCommand applies one client command.
func (b *Broker) handleCommand(m *member, evt protocol.Event) error {
	switch evt.Type {
	case protocol.CommandJoinRoom:
		var ref protocol.RoomRef
		if err := evt.DecodePayload(&ref); err != nil {
			return err
		}
		return b.join(m, ref.RoomID)

	case protocol.CommandSendMessage:
		var cmd protocol.SendMessage
		if err := evt.DecodePayload(&cmd); err != nil {
			return err
		}
		if !b.inRoom(m, cmd.RoomID) {
			return fmt.Errorf("not joined to room %s", cmd.RoomID)
		}
		msg := protocol.NewMessage{
			ID:         uuid.NewString(),
			RoomID:     cmd.RoomID,
			SenderID:   m.id,
			SenderName: m.name,
			Content:    cmd.Content,
			CreatedAt:  time.Now().UTC(),
		}
		logrus.WithFields(logrus.Fields{
			"room":   cmd.RoomID,
			"sender": m.name,
		}).Debug("relaying message")
		return b.relay(cmd.RoomID, nil, protocol.EventNewMessage, msg)

	case protocol.CommandTyping:
		var cmd protocol.Typing
		if err := evt.DecodePayload(&cmd); err != nil {
			return err
		}
		if !b.inRoom(m, cmd.RoomID) {
			return fmt.Errorf("not joined to room %s", cmd.RoomID)
		}
		kind := protocol.EventUserTyping
		if !cmd.IsTyping {
			kind = protocol.EventTypingStopped
		}
		return b.relay(cmd.RoomID, m, kind, protocol.RoomRef{RoomID: cmd.RoomID})

	case protocol.CommandReadMessage:
		var cmd protocol.ReadMessage
		if err := evt.DecodePayload(&cmd); err != nil {
			return err
		}
		if !b.inRoom(m, cmd.RoomID) {
			return fmt.Errorf("not joined to room %s", cmd.RoomID)
		}
		return b.relay(cmd.RoomID, nil, protocol.EventMessageRead, protocol.MessageRead{
			MessageID: cmd.MessageID,
			ReadAt:    time.Now().UTC(),
		})

	default:
		return fmt.Errorf("unknown command %s", evt.Type)
	}
}

// join registers the member in a room and exchanges presence both ways.
func (b *Broker) join(m *member, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("join_room requires a room id")
	}

	b.mu.Lock()
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[*member]bool)
	}
	b.rooms[roomID][m] = true
	b.members[m][roomID] = true
	occupied := len(b.rooms[roomID]) > 1
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room":   roomID,
		"member": m.name,
	}).Info("member joined room")

	if err := b.relay(roomID, m, protocol.EventUserJoined, protocol.RoomRef{RoomID: roomID}); err != nil {
		return err
	}
	if err := b.relay(roomID, m, protocol.EventUserOnlineStatus, protocol.OnlineStatus{RoomID: roomID, Online: true}); err != nil {
		return err
	}
	// Tell the joiner about anyone already there.
	if occupied {
		return b.sendTo(m, protocol.EventUserOnlineStatus, protocol.OnlineStatus{RoomID: roomID, Online: true})
	}
	return nil
}

// disconnect removes the member from all rooms and announces the departure.
func (b *Broker) disconnect(m *member) {
	b.mu.Lock()
	joined := b.members[m]
	delete(b.members, m)
	for roomID := range joined {
		delete(b.rooms[roomID], m)
		if len(b.rooms[roomID]) == 0 {
			delete(b.rooms, roomID)
		}
	}
	b.mu.Unlock()

	for roomID := range joined {
		_ = b.relay(roomID, m, protocol.EventUserOnlineStatus, protocol.OnlineStatus{RoomID: roomID, Online: false})
	}
}

func (b *Broker) inRoom(m *member, roomID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.members[m][roomID]
}

// relay sends an event to every room member except skip (nil relays to all,
// sender included — message fan-out echoes back so the sender's store and
// the partner's agree on ids and timestamps).
func (b *Broker) relay(roomID string, skip *member, kind protocol.EventType, payload any) error {
	evt, err := protocol.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	data, err := evt.Encode()
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for peer := range b.rooms[roomID] {
		if peer == skip {
			continue
		}
		select {
		case peer.outgoing <- data:
		default:
			logrus.WithField("member", peer.id).Warn("outgoing queue full, dropping event")
		}
	}
	return nil
}

// sendTo delivers an event to a single member.
func (b *Broker) sendTo(m *member, kind protocol.EventType, payload any) error {
	evt, err := protocol.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	select {
	case m.outgoing <- data:
	default:
		logrus.WithField("member", m.id).Warn("outgoing queue full, dropping event")
	}
	return nil
}

// sendError reports a server-side failure to the offending member.
func (b *Broker) sendError(m *member, msg string) {
	if err := b.sendTo(m, protocol.EventError, protocol.ServerError{Message: msg}); err != nil {
		logrus.WithField("error", err).Debug("failed to send error event")
	}
}
