package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresence_EventDriven(t *testing.T) {
	p := NewPresenceTracker()
	require.False(t, p.Online())

	p.SetOnline(true)
	require.True(t, p.Online())

	p.SetOnline(false)
	require.False(t, p.Online())

	p.PeerJoined()
	require.True(t, p.Online())

	p.TransportLost()
	require.False(t, p.Online())
}

func TestPresence_Reset(t *testing.T) {
	p := NewPresenceTracker()
	p.PeerJoined()

	p.Reset()
	require.False(t, p.Online())
}
