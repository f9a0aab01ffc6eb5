package server_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/venlare/chatsync/internal/server"
	"github.com/venlare/chatsync/pkg/protocol"
)

func startBroker(t *testing.T, token string) *server.Broker {
	t.Helper()
	b := server.NewBroker("127.0.0.1:0", token)
	go func() {
		if err := b.Start(); err != nil {
			t.Logf("broker exited: %v", err)
		}
	}()
	t.Cleanup(b.Stop)

	require.Eventually(t, func() bool {
		return b.Addr() != ""
	}, 2*time.Second, 5*time.Millisecond)
	return b
}

// peer is a raw websocket participant for driving the broker directly.
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, b *server.Broker, token, name string) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+b.Addr()+"/ws?name="+name, &websocket.DialOptions{
		HTTPHeader: header,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(kind protocol.EventType, payload any) {
	p.t.Helper()
	evt, err := protocol.NewEvent(kind, payload)
	require.NoError(p.t, err)
	data, err := evt.Encode()
	require.NoError(p.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, websocket.MessageText, data))
}

// recv waits for the next event of the given type, skipping others.
func (p *peer) recv(kind protocol.EventType) protocol.Event {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		_, data, err := p.conn.Read(ctx)
		require.NoError(p.t, err, "waiting for %s", kind)

		var evt protocol.Event
		require.NoError(p.t, evt.Decode(data))
		if evt.Type == kind {
			return evt
		}
	}
}

func TestBroker_RejectsBadToken(t *testing.T) {
	b := startBroker(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+b.Addr()+"/ws", nil)
	require.Error(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, _, err = websocket.Dial(ctx, "ws://"+b.Addr()+"/ws", &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
}

func TestBroker_RelaysMessagesWithAssignedIDs(t *testing.T) {
	b := startBroker(t, "secret")

	alice := dialPeer(t, b, "secret", "alice")
	bob := dialPeer(t, b, "secret", "bob")

	alice.send(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: "room-1"})
	bob.send(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: "room-1"})
	alice.recv(protocol.EventUserJoined)

	require.Eventually(t, func() bool {
		return b.RoomSize("room-1") == 2
	}, 2*time.Second, 5*time.Millisecond)

	alice.send(protocol.CommandSendMessage, protocol.SendMessage{RoomID: "room-1", Content: "hello"})

	// Both participants receive the same broker-assigned message.
	got := bob.recv(protocol.EventNewMessage)
	var msg protocol.NewMessage
	require.NoError(t, got.DecodePayload(&msg))
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, "alice", msg.SenderName)
	require.False(t, msg.CreatedAt.IsZero())

	echo := alice.recv(protocol.EventNewMessage)
	var echoed protocol.NewMessage
	require.NoError(t, echo.DecodePayload(&echoed))
	require.Equal(t, msg.ID, echoed.ID)
}

func TestBroker_RelaysTypingAndReceipts(t *testing.T) {
	b := startBroker(t, "")

	alice := dialPeer(t, b, "", "alice")
	bob := dialPeer(t, b, "", "bob")

	alice.send(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: "room-1"})
	bob.send(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: "room-1"})
	require.Eventually(t, func() bool {
		return b.RoomSize("room-1") == 2
	}, 2*time.Second, 5*time.Millisecond)

	alice.send(protocol.CommandTyping, protocol.Typing{RoomID: "room-1", IsTyping: true})
	bob.recv(protocol.EventUserTyping)

	alice.send(protocol.CommandTyping, protocol.Typing{RoomID: "room-1", IsTyping: false})
	bob.recv(protocol.EventTypingStopped)

	bob.send(protocol.CommandReadMessage, protocol.ReadMessage{MessageID: "m1", RoomID: "room-1"})
	got := alice.recv(protocol.EventMessageRead)
	var read protocol.MessageRead
	require.NoError(t, got.DecodePayload(&read))
	require.Equal(t, "m1", read.MessageID)
	require.False(t, read.ReadAt.IsZero())
}

func TestBroker_CommandsOutsideJoinedRoomError(t *testing.T) {
	b := startBroker(t, "")

	alice := dialPeer(t, b, "", "alice")
	alice.send(protocol.CommandSendMessage, protocol.SendMessage{RoomID: "room-1", Content: "hi"})

	got := alice.recv(protocol.EventError)
	var srvErr protocol.ServerError
	require.NoError(t, got.DecodePayload(&srvErr))
	require.Contains(t, srvErr.Message, "room-1")
}

func TestBroker_DisconnectAnnouncesOffline(t *testing.T) {
	b := startBroker(t, "")

	alice := dialPeer(t, b, "", "alice")
	bob := dialPeer(t, b, "", "bob")

	alice.send(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: "room-1"})
	bob.send(protocol.CommandJoinRoom, protocol.RoomRef{RoomID: "room-1"})
	require.Eventually(t, func() bool {
		return b.RoomSize("room-1") == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Drain the online notice from bob's join before forcing the drop.
	got := alice.recv(protocol.EventUserOnlineStatus)
	var status protocol.OnlineStatus
	require.NoError(t, got.DecodePayload(&status))
	require.True(t, status.Online)

	bob.conn.Close(websocket.StatusNormalClosure, "")

	got = alice.recv(protocol.EventUserOnlineStatus)
	require.NoError(t, got.DecodePayload(&status))
	require.False(t, status.Online)

	require.Eventually(t, func() bool {
		return b.RoomSize("room-1") == 1
	}, 2*time.Second, 5*time.Millisecond)
}
