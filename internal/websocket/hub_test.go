package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/tasks"
	"github.com/shepherd-project/evolver/internal/types"
)

func startHub(t *testing.T, cfg HubConfig) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logger.New(&bytes.Buffer{}, "error", false)
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = -1
	}
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gws.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestNewTaskEvent(t *testing.T) {
	st := tasks.Status{
		ID:       "abc",
		Op:       "merge",
		State:    tasks.StateFailure,
		Attempts: 1,
		Error:    types.NewValidationError("Layer recipe too long. Max 48 layers supported."),
	}
	ev := NewTaskEvent(st)
	assert.Equal(t, EventTypeTaskState, ev.Type)
	assert.Equal(t, "abc", ev.TaskID)
	assert.Equal(t, "FAILURE", ev.State)
	assert.Equal(t, "VALIDATION_ERROR", ev.ErrorCode)
	assert.Greater(t, ev.Timestamp, int64(0))

	data, err := ev.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"task_state"`)
	assert.NotContains(t, string(data), `"result"`)
}

func TestHubBroadcast(t *testing.T) {
	h, srv, _ := startHub(t, HubConfig{})
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.Broadcast(NewTaskEvent(tasks.Status{ID: "t1", Op: "generate", State: tasks.StatePending, Running: true}))

	for _, conn := range []*gws.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventTypeTaskState, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.True(t, ev.Running)
	}
}

func TestHubHeartbeat(t *testing.T) {
	h, srv, _ := startHub(t, HubConfig{Heartbeat: 20 * time.Millisecond})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := readEvent(t, conn)
	assert.Equal(t, EventTypeHeartbeat, ev.Type)
	assert.Equal(t, 1, ev.Connections)
}

func TestHubClientDisconnect(t *testing.T) {
	h, srv, _ := startHub(t, HubConfig{})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubStopClosesClients(t *testing.T) {
	h, srv, cancel := startHub(t, HubConfig{})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, h.ClientCount())

	// Late connections are refused by a stopped hub.
	late := dial(t, srv, nil)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseGoingAway), "got %v", err)
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := NewHub(HubConfig{Logger: logger.New(&bytes.Buffer{}, "error", false)})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4*DefaultSendBuffer; i++ {
			h.Broadcast(NewHeartbeatEvent(0))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}

func TestOriginCheck(t *testing.T) {
	_, srv, _ := startHub(t, HubConfig{AllowedOrigins: []string{"https://app.example"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, srv, http.Header{"Origin": []string{"https://app.example"}})
	assert.NotNil(t, conn)

	_, resp, err := gws.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.True(t, originAllowed([]string{"*"}, "https://any"))
	assert.True(t, originAllowed(nil, ""))
	assert.False(t, originAllowed(nil, "https://any"))
}
