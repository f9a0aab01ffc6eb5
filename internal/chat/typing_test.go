package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// signalRecorder collects emitted typing signals.
type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) emit(isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, isTyping)
}

func (r *signalRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.signals))
	copy(out, r.signals)
	return out
}

func TestTyping_BurstEmitsOneStartOneStop(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(40*time.Millisecond, time.Second, rec.emit)

	for i := 0; i < 8; i++ {
		tc.LocalInput()
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, tc.LocalActive())
	require.Equal(t, []bool{true}, rec.get())

	require.Eventually(t, func() bool {
		return len(rec.get()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, rec.get())
	require.False(t, tc.LocalActive())

	// A fresh burst starts a new start/stop pair.
	tc.LocalInput()
	require.Equal(t, []bool{true, false, true}, rec.get())
}

func TestTyping_InputResetsInactivityTimer(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(50*time.Millisecond, time.Second, rec.emit)

	tc.LocalInput()
	time.Sleep(30 * time.Millisecond)
	tc.LocalInput()
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first input but only 30ms after the last: still typing.
	require.True(t, tc.LocalActive())
	require.Equal(t, []bool{true}, rec.get())
}

func TestTyping_RemoteDecays(t *testing.T) {
	tc := NewTypingCoordinator(time.Second, 40*time.Millisecond, func(bool) {})

	// A lost typing_stopped must not pin the flag forever.
	tc.RemoteTyping()
	require.True(t, tc.RemoteActive())

	require.Eventually(t, func() bool {
		return !tc.RemoteActive()
	}, time.Second, 5*time.Millisecond)
}

func TestTyping_RemoteRefreshExtendsDecay(t *testing.T) {
	tc := NewTypingCoordinator(time.Second, 50*time.Millisecond, func(bool) {})

	tc.RemoteTyping()
	time.Sleep(30 * time.Millisecond)
	tc.RemoteTyping()
	time.Sleep(30 * time.Millisecond)
	require.True(t, tc.RemoteActive())
}

func TestTyping_RemoteStoppedClearsImmediately(t *testing.T) {
	tc := NewTypingCoordinator(time.Second, time.Hour, func(bool) {})

	tc.RemoteTyping()
	tc.RemoteStopped()
	require.False(t, tc.RemoteActive())

	// The decay timer is cancelled; nothing flips the flag later.
	tc.RemoteTyping()
	tc.RemoteStopped()
	time.Sleep(20 * time.Millisecond)
	require.False(t, tc.RemoteActive())
}

func TestTyping_ResetCancelsWithoutEmitting(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(30*time.Millisecond, 30*time.Millisecond, rec.emit)

	tc.LocalInput()
	tc.RemoteTyping()
	tc.Reset()

	require.False(t, tc.LocalActive())
	require.False(t, tc.RemoteActive())

	// The pending stop signal must not fire after the reset.
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []bool{true}, rec.get())
}
