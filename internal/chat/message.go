// Package chat implements the conversation synchronization core: the message
// store, typing coordinator, presence tracker and the session that wires them
// to a connection.
package chat

import (
	"sync"
	"time"

	"github.com/venlare/chatsync/pkg/protocol"
)

// Message is a single conversation message as held by the store. ReadAt is
// nil until a read receipt arrives and is set at most once.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
	ReadAt     *time.Time
}

// Store keeps conversation messages in arrival order, deduplicated by id.
// Entries are never reordered or deleted within a session; the only mutation
// after ingest is setting the read timestamp.
type Store struct {
	mu       sync.Mutex
	messages []Message
	index    map[string]int
	// pending holds read receipts that arrived before their message.
	// Applied on ingest, first receipt wins.
	pending map[string]time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		index:   make(map[string]int),
		pending: make(map[string]time.Time),
	}
}

// Ingest appends the wire message unless its id is already present. Returns
// whether the message was added, so retransmissions are visible to callers
// without affecting state.
func (s *Store) Ingest(wire protocol.NewMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[wire.ID]; ok {
		return false
	}

	msg := Message{
		ID:         wire.ID,
		RoomID:     wire.RoomID,
		SenderID:   wire.SenderID,
		SenderName: wire.SenderName,
		Content:    wire.Content,
		CreatedAt:  wire.CreatedAt,
	}
	if wire.ReadAt != nil {
		at := *wire.ReadAt
		msg.ReadAt = &at
	} else if at, ok := s.pending[wire.ID]; ok {
		msg.ReadAt = &at
	}
	delete(s.pending, wire.ID)

	s.index[wire.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return true
}

// MarkRead sets the read timestamp of the identified message if it is still
// unset. A receipt for an id not yet ingested is buffered and applied when
// the message arrives. Repeated receipts are no-ops; timestamps never revert.
// Returns whether an ingested message was updated.
func (s *Store) MarkRead(messageID string, readAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[messageID]
	if !ok {
		if _, buffered := s.pending[messageID]; !buffered {
			s.pending[messageID] = readAt
		}
		return false
	}
	if s.messages[i].ReadAt != nil {
		return false
	}
	at := readAt
	s.messages[i].ReadAt = &at
	return true
}

// Snapshot returns the messages in arrival order. The slice is a copy; read
// timestamps are never mutated in place, so sharing the pointers is safe.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of ingested messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Reset drops all messages and buffered receipts. Used on room switch.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[string]int)
	s.pending = make(map[string]time.Time)
}
