package southbound

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, feed *EventFeed) Event {
	t.Helper()
	select {
	case ev := <-feed.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventFeedOverPipe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentConn, feedConn := net.Pipe()
	feed := NewEventFeed(16)
	done := make(chan error, 1)
	go func() { done <- feed.ServeConn(ctx, feedConn) }()

	pub, err := NewEventPublisher(agentConn)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(Event{Type: EventSwitchConnected, Switch: 3, Name: "s3"}))
	require.NoError(t, pub.Publish(Event{Type: EventPortStatus, Switch: 3, Port: 2, Up: false}))
	require.NoError(t, pub.Publish(Event{Type: EventPacketIn, Switch: 3, InPort: 1, BufferID: 7, Data: []byte{1, 2, 3}}))

	ev := nextEvent(t, feed)
	assert.Equal(t, EventSwitchConnected, ev.Type)
	assert.Equal(t, "s3", ev.Name)

	ev = nextEvent(t, feed)
	assert.Equal(t, EventPortStatus, ev.Type)
	assert.False(t, ev.Up)

	ev = nextEvent(t, feed)
	assert.Equal(t, EventPacketIn, ev.Type)
	assert.Equal(t, []byte{1, 2, 3}, ev.Data)
	assert.Equal(t, uint32(7), ev.BufferID)

	// closing the agent session reports its switches as gone
	require.NoError(t, pub.Close())
	ev = nextEvent(t, feed)
	assert.Equal(t, EventSwitchDisconnected, ev.Type)
	assert.EqualValues(t, 3, ev.Switch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after the session closed")
	}
}
