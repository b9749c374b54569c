package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"splinter/internal/cryptoutil"
)

func newTestPeerID(t *testing.T, seed byte) cryptoutil.PeerID {
	t.Helper()
	id, err := cryptoutil.NewPeerID(cryptoutil.PeerIDPrefix, []byte{
		seed, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	})
	require.NoError(t, err)
	return id
}

func TestInMemorySendDeliversToRegisteredPeer(t *testing.T) {
	self := newTestPeerID(t, 1)
	target := newTestPeerID(t, 2)
	m := NewInMemory(self, 0, 0)

	inbox := make(chan Message, 1)
	m.Register(target, inbox)

	require.NoError(t, m.Send(context.Background(), target, Message{Channel: "admin", Payload: []byte("hi")}))
	select {
	case msg := <-inbox:
		require.Equal(t, "admin", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemorySendUnknownPeerErrors(t *testing.T) {
	m := NewInMemory(newTestPeerID(t, 1), 0, 0)
	err := m.Send(context.Background(), newTestPeerID(t, 9), Message{Channel: "admin"})
	require.Error(t, err)
}

func TestInMemoryBroadcastReachesAllPeers(t *testing.T) {
	m := NewInMemory(newTestPeerID(t, 1), 0, 0)
	a := make(chan Message, 1)
	b := make(chan Message, 1)
	m.Register(newTestPeerID(t, 2), a)
	m.Register(newTestPeerID(t, 3), b)

	require.NoError(t, m.Broadcast(context.Background(), Message{Channel: "2pc", Payload: []byte("x")}))
	require.Equal(t, "2pc", (<-a).Channel)
	require.Equal(t, "2pc", (<-b).Channel)
}

func TestInMemoryRateLimitRejectsExcessSends(t *testing.T) {
	target := newTestPeerID(t, 2)
	m := NewInMemory(newTestPeerID(t, 1), 1, 1)
	m.Register(target, make(chan Message, 4))

	require.NoError(t, m.Send(context.Background(), target, Message{Channel: "admin"}))
	require.Error(t, m.Send(context.Background(), target, Message{Channel: "admin"}))
}

func TestInMemorySendStampsFromAndReachesOwnInbox(t *testing.T) {
	self := newTestPeerID(t, 1)
	m := NewInMemory(self, 0, 0)

	require.NoError(t, m.Send(context.Background(), self, Message{Channel: "auth", Payload: []byte("hi")}))
	select {
	case msg := <-m.Inbox():
		require.Equal(t, "auth", msg.Channel)
		require.Equal(t, self.String(), msg.From.String())
	case <-time.After(time.Second):
		t.Fatal("message not delivered to own inbox")
	}
}

func TestInMemoryBroadcastSkipsSelfAndStampsFrom(t *testing.T) {
	self := newTestPeerID(t, 1)
	m := NewInMemory(self, 0, 0)
	a := make(chan Message, 1)
	m.Register(newTestPeerID(t, 2), a)

	require.NoError(t, m.Broadcast(context.Background(), Message{Channel: "2pc", Payload: []byte("x")}))

	msg := <-a
	require.Equal(t, self.String(), msg.From.String())

	select {
	case <-m.Inbox():
		t.Fatal("broadcast should not echo back to self")
	default:
	}
}

func TestInMemorySubscribeReceivesConnectEvent(t *testing.T) {
	m := NewInMemory(newTestPeerID(t, 1), 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Subscribe(ctx)
	require.NoError(t, err)

	m.Register(newTestPeerID(t, 2), make(chan Message, 1))

	select {
	case evt := <-events:
		require.Equal(t, EventConnected, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no connect event received")
	}
}
