package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/modules/registry"
)

func setupService(t *testing.T, commandTimeout time.Duration) (*Service, *registry.Registry, *httptest.Server) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "fleet.db"),
		Profile: database.ProfileStandard,
		Name:    "fleet",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db.Conn(), events.NewBus(zerolog.Nop()), 90*time.Second, zerolog.Nop())
	require.NoError(t, err)

	svc := NewService(reg, NewConnectionRegistry(), commandTimeout, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(svc.HandleAgent))
	t.Cleanup(srv.Close)
	return svc, reg, srv
}

// fakeAgent is a test-side agent: it registers, then answers commands with
// the configured handler until the connection closes.
type fakeAgent struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func dialAgent(t *testing.T, srv *httptest.Server, nodeID string, handle func(Frame) Frame) *fakeAgent {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	require.NoError(t, writeJSON(ctx, conn, Frame{
		Type:       FrameRegister,
		NodeID:     nodeID,
		Host:       nodeID + ".internal.example",
		CapacityMB: 4096,
	}))

	go func() {
		for {
			frame, err := readFrame(ctx, conn)
			if err != nil {
				return
			}
			if frame.ID == "" || handle == nil {
				continue
			}
			reply := handle(*frame)
			reply.Type = FrameCommandResult
			reply.ID = frame.ID
			reply.Command = frame.Type
			if err := writeJSON(ctx, conn, reply); err != nil {
				return
			}
		}
	}()

	a := &fakeAgent{conn: conn, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return a
}

func waitConnected(t *testing.T, svc *Service, nodeID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.IsConnected(nodeID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentRegistersViaChannel(t *testing.T) {
	svc, reg, srv := setupService(t, time.Second)
	dialAgent(t, srv, "node-a", nil)
	waitConnected(t, svc, "node-a")

	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeActive, node.Status)
	assert.Equal(t, int64(4096), node.CapacityMB)
	assert.Equal(t, []string{"node-a"}, svc.conns.ListConnected())
}

func TestSendCommandRoundTrip(t *testing.T) {
	svc, _, srv := setupService(t, 2*time.Second)
	dialAgent(t, srv, "node-a", func(f Frame) Frame {
		assert.Equal(t, CommandBotInspect, f.Type)
		return Frame{Success: true, Payload: json.RawMessage(`{"running":true}`)}
	})
	waitConnected(t, svc, "node-a")

	data, err := svc.SendCommand(context.Background(), "node-a", CommandBotInspect, map[string]string{"name": "tenant_t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true}`, string(data))
}

// TestCommandFrameWireShape pins the exact JSON an agent sees: the command
// type rides the frame's type field, the payload carries the container name,
// and the id correlates the eventual result.
func TestCommandFrameWireShape(t *testing.T) {
	svc, _, srv := setupService(t, 2*time.Second)

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, writeJSON(ctx, conn, Frame{
		Type:         FrameRegister,
		NodeID:       "node-a",
		Host:         "node-a.internal.example",
		CapacityMB:   4096,
		AgentVersion: "1.4.0",
	}))
	waitConnected(t, svc, "node-a")

	raw := make(chan []byte, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		raw <- data
		var f Frame
		_ = json.Unmarshal(data, &f)
		_ = writeJSON(ctx, conn, Frame{
			Type:    FrameCommandResult,
			ID:      f.ID,
			Command: f.Type,
			Success: true,
			Payload: json.RawMessage(`{"filename":"tenant_t1.tar.gz"}`),
		})
	}()

	payload, err := svc.SendCommand(ctx, "node-a", CommandBotExport, map[string]string{"name": "tenant_t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename":"tenant_t1.tar.gz"}`, string(payload))

	var got map[string]json.RawMessage
	select {
	case data := <-raw:
		require.NoError(t, json.Unmarshal(data, &got))
	case <-time.After(2 * time.Second):
		t.Fatal("no command frame arrived")
	}
	assert.JSONEq(t, `"bot.export"`, string(got["type"]))
	assert.JSONEq(t, `{"name":"tenant_t1"}`, string(got["payload"]))
	var id string
	require.NoError(t, json.Unmarshal(got["id"], &id))
	assert.NotEmpty(t, id)
	assert.NotContains(t, got, "command")
	assert.NotContains(t, got, "success")
}

func TestHeartbeatUpdatesUsage(t *testing.T) {
	svc, reg, srv := setupService(t, time.Second)
	agent := dialAgent(t, srv, "node-a", nil)
	waitConnected(t, svc, "node-a")

	require.NoError(t, writeJSON(context.Background(), agent.conn, Frame{
		Type:      FrameHeartbeat,
		NodeID:    "node-a",
		UsedMB:    768,
		Timestamp: time.Now().Unix(),
	}))

	require.Eventually(t, func() bool {
		node, err := reg.Get("node-a")
		return err == nil && node.UsedMB == 768
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendCommandAgentFailure(t *testing.T) {
	svc, _, srv := setupService(t, 2*time.Second)
	dialAgent(t, srv, "node-a", func(Frame) Frame {
		return Frame{Success: false, Error: "container not found"}
	})
	waitConnected(t, svc, "node-a")

	_, err := svc.SendCommand(context.Background(), "node-a", CommandBotStop, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container not found")
}

func TestSendCommandNodeNotConnected(t *testing.T) {
	svc, _, _ := setupService(t, time.Second)

	_, err := svc.SendCommand(context.Background(), "ghost", CommandBotStop, nil)
	assert.ErrorIs(t, err, domain.ErrNodeNotConnected)
}

func TestSendCommandTimeout(t *testing.T) {
	svc, _, srv := setupService(t, 100*time.Millisecond)
	// Agent that never answers
	dialAgent(t, srv, "node-a", nil)
	waitConnected(t, svc, "node-a")

	_, err := svc.SendCommand(context.Background(), "node-a", CommandBotExport, nil)
	assert.ErrorIs(t, err, domain.ErrCommandTimeout)
}

func TestConcurrentCommandsCorrelate(t *testing.T) {
	svc, _, srv := setupService(t, 5*time.Second)
	dialAgent(t, srv, "node-a", func(f Frame) Frame {
		// Echo the command type back so each caller can check its own answer
		return Frame{Success: true, Payload: json.RawMessage(`"` + f.Type + `"`)}
	})
	waitConnected(t, svc, "node-a")

	commands := []string{CommandBotExport, CommandBotStop, CommandBotImport, CommandBotInspect}
	results := make(chan string, len(commands))
	for _, command := range commands {
		go func(command string) {
			data, err := svc.SendCommand(context.Background(), "node-a", command, nil)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			var echoed string
			_ = json.Unmarshal(data, &echoed)
			results <- command + "=" + echoed
		}(command)
	}

	for range commands {
		select {
		case r := <-results:
			parts := strings.SplitN(r, "=", 2)
			require.Len(t, parts, 2, r)
			assert.Equal(t, parts[0], parts[1])
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for command results")
		}
	}
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	svc, _, srv := setupService(t, 5*time.Second)
	agent := dialAgent(t, srv, "node-a", nil)
	waitConnected(t, svc, "node-a")

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.SendCommand(context.Background(), "node-a", CommandBotExport, nil)
		errCh <- err
	}()

	// Give the command time to register, then drop the agent
	time.Sleep(50 * time.Millisecond)
	agent.cancel()
	agent.conn.Close(websocket.StatusGoingAway, "crash")

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pending command was not failed on disconnect")
	}

	require.Eventually(t, func() bool {
		return !svc.IsConnected("node-a")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	_, reg, srv := setupService(t, time.Second)

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, writeJSON(ctx, conn, Frame{Type: FrameHeartbeat, NodeID: "node-a"}))

	// Server closes the connection instead of registering
	_, readErr := readFrame(ctx, conn)
	require.Error(t, readErr)
	_, getErr := reg.Get("node-a")
	assert.ErrorIs(t, getErr, domain.ErrNotFound)
}
