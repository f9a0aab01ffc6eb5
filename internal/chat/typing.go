package chat

import (
	"sync"
	"time"
)

// Default timer windows for typing state.
const (
	DefaultTypingDebounce = 2 * time.Second
	DefaultTypingDecay    = 3 * time.Second
)

// TypingCoordinator manages both sides of the typing indicator.
//
// Outgoing: the first keystroke after quiescence emits typing=true; each
// keystroke resets an inactivity timer and its expiry emits typing=false, so
// a burst of any length produces exactly one start and one stop signal.
//
// Incoming: a remote typing signal raises the flag and arms a decay timer.
// The decay covers a dropped stop event from the peer; an explicit stop
// clears the flag immediately.
type TypingCoordinator struct {
	mu       sync.Mutex
	debounce time.Duration
	decay    time.Duration
	emit     func(isTyping bool)

	localActive  bool
	remoteActive bool
	localTimer   *time.Timer
	remoteTimer  *time.Timer
}

// NewTypingCoordinator creates a coordinator that reports outgoing signals
// through emit. Zero durations fall back to the defaults.
func NewTypingCoordinator(debounce, decay time.Duration, emit func(isTyping bool)) *TypingCoordinator {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if decay <= 0 {
		decay = DefaultTypingDecay
	}
	return &TypingCoordinator{
		debounce: debounce,
		decay:    decay,
		emit:     emit,
	}
}

// LocalInput records a keystroke. Emits typing=true on the first call of a
// burst and restarts the inactivity timer.
func (t *TypingCoordinator) LocalInput() {
	t.mu.Lock()
	started := !t.localActive
	t.localActive = true
	if t.localTimer != nil {
		t.localTimer.Stop()
	}
	t.localTimer = time.AfterFunc(t.debounce, t.localExpire)
	t.mu.Unlock()

	if started {
		t.emit(true)
	}
}

func (t *TypingCoordinator) localExpire() {
	t.mu.Lock()
	if !t.localActive {
		t.mu.Unlock()
		return
	}
	t.localActive = false
	t.mu.Unlock()

	t.emit(false)
}

// RemoteTyping raises the remote flag and restarts the decay timer.
func (t *TypingCoordinator) RemoteTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.remoteActive = true
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
	}
	t.remoteTimer = time.AfterFunc(t.decay, t.remoteExpire)
}

// RemoteStopped clears the remote flag immediately and cancels the decay.
func (t *TypingCoordinator) RemoteStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.remoteActive = false
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
}

func (t *TypingCoordinator) remoteExpire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteActive = false
}

// LocalActive reports whether a local typing burst is in progress.
func (t *TypingCoordinator) LocalActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localActive
}

// RemoteActive reports whether the peer is currently typing.
func (t *TypingCoordinator) RemoteActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteActive
}

// Reset cancels both timers and clears both flags without emitting anything.
// Used on room switch and teardown; the connection for the old room is gone,
// so a trailing stop signal has nowhere meaningful to go.
func (t *TypingCoordinator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.localActive = false
	t.remoteActive = false
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
}
