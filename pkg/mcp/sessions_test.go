package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gridflow/internal/streaming"
	"github.com/rendis/gridflow/pkg/schema"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ws-1", "session-b")
	r.Register("ws-1", "session-a")
	r.Register("ws-1", "session-a")
	assert.Equal(t, []string{"session-a", "session-b"}, r.SessionsFor("ws-1"))
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()
	assert.Empty(t, r.SessionsFor("unknown"))
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ws-1", "session-abc")
	r.Register("ws-2", "session-abc")
	r.Register("ws-2", "session-xyz")

	r.Remove("session-abc")

	assert.Empty(t, r.SessionsFor("ws-1"), "ws-1 should have no watchers")
	assert.Equal(t, []string{"session-xyz"}, r.SessionsFor("ws-2"))
}

func TestMCPNotifier_DropsGoneSessions(t *testing.T) {
	s := NewGridServer(GridServerDeps{})
	s.sessions.Register("ws-1", "gone")

	n := NewMCPNotifier(s.mcpServer, s.sessions, nil)
	err := n.Notify(context.Background(), &schema.GridEvent{WorkspaceID: "ws-1", Type: schema.EventCellUpdated})
	require.NoError(t, err)
	assert.Empty(t, s.sessions.SessionsFor("ws-1"))
}

func TestMCPNotifier_ForwardStopsOnCancel(t *testing.T) {
	s := NewGridServer(GridServerDeps{})
	hub := streaming.NewMemoryHub(4)
	n := NewMCPNotifier(s.mcpServer, s.sessions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Forward(ctx, hub) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, &schema.GridEvent{WorkspaceID: "ws-1", Type: schema.EventRunStarted}))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}
