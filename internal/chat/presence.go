package chat

import "sync"

// PresenceTracker derives the partner's online state from discrete events.
// No polling and no heartbeats; the flag changes only when the wire says so
// or the transport drops.
type PresenceTracker struct {
	mu     sync.Mutex
	online bool
}

// NewPresenceTracker creates a tracker with the partner considered offline.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{}
}

// SetOnline applies an explicit online/offline status event.
func (p *PresenceTracker) SetOnline(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

// PeerJoined marks the partner online; joining the room implies presence.
func (p *PresenceTracker) PeerJoined() {
	p.SetOnline(true)
}

// TransportLost marks the partner offline; without a channel there is no
// basis for claiming presence.
func (p *PresenceTracker) TransportLost() {
	p.SetOnline(false)
}

// Online reports the partner's last known state.
func (p *PresenceTracker) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Reset returns the tracker to offline. Used on room switch.
func (p *PresenceTracker) Reset() {
	p.SetOnline(false)
}
