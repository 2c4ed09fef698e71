package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/registry"
)

// Service owns the agent endpoint: it upgrades connections, runs the read
// loop and routes commands to nodes.
type Service struct {
	registry       *registry.Registry
	conns          *ConnectionRegistry
	commandTimeout time.Duration
	log            zerolog.Logger
}

// NewService creates the agent channel service.
func NewService(reg *registry.Registry, conns *ConnectionRegistry, commandTimeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		registry:       reg,
		conns:          conns,
		commandTimeout: commandTimeout,
		log:            log.With().Str("service", "channel").Logger(),
	}
}

// HandleAgent upgrades an agent's HTTP request to a websocket and serves it
// until the connection drops. The first frame must be a register.
func (s *Service) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents connect from worker hosts, not browsers
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	ctx := r.Context()

	frame, err := readFrame(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected register frame")
		return
	}
	if frame.Type != FrameRegister || frame.NodeID == "" {
		s.log.Warn().Str("type", frame.Type).Msg("First frame was not a valid register")
		conn.Close(websocket.StatusPolicyViolation, "expected register frame")
		return
	}

	if _, err := s.registry.Register(registry.RegisterInput{
		ID:           frame.NodeID,
		Host:         frame.Host,
		CapacityMB:   frame.CapacityMB,
		AgentVersion: frame.AgentVersion,
	}); err != nil {
		s.log.Warn().Err(err).Str("node", frame.NodeID).Msg("Agent registration rejected")
		conn.Close(websocket.StatusPolicyViolation, "registration rejected")
		return
	}

	agent := newAgentConn(frame.NodeID, conn)
	s.conns.Add(agent)
	s.log.Info().Str("node", frame.NodeID).Msg("Agent connected")

	s.readLoop(ctx, agent)

	s.conns.Remove(agent)
	s.log.Info().Str("node", frame.NodeID).Msg("Agent disconnected")
}

func (s *Service) readLoop(ctx context.Context, agent *AgentConn) {
	for {
		frame, err := readFrame(ctx, agent.conn)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure && closeStatus != websocket.StatusGoingAway && ctx.Err() == nil {
				s.log.Warn().Err(err).Str("node", agent.nodeID).Msg("Agent read failed")
			}
			return
		}

		switch frame.Type {
		case FrameHeartbeat:
			if err := s.registry.Heartbeat(agent.nodeID, frame.UsedMB); err != nil {
				s.log.Warn().Err(err).Str("node", agent.nodeID).Msg("Heartbeat rejected")
			}
		case FrameCommandResult:
			if !agent.resolve(frame.ID, CommandResult{
				Success: frame.Success,
				Error:   frame.Error,
				Payload: frame.Payload,
			}) {
				// Result arrived after its waiter gave up
				s.log.Debug().Str("node", agent.nodeID).Str("command_id", frame.ID).
					Msg("Dropping result for unknown command")
			}
		default:
			s.log.Warn().Str("node", agent.nodeID).Str("type", frame.Type).Msg("Unexpected frame type")
		}
	}
}

// SendCommand pushes one command frame {id, type, payload} to a node's
// agent and waits for the correlated result. Returns ErrNodeNotConnected
// when no connection is live, ErrCommandTimeout when the agent does not
// answer in time, and the agent's own error text when it reports failure.
func (s *Service) SendCommand(ctx context.Context, nodeID, commandType string, payload any) (json.RawMessage, error) {
	agent := s.conns.Get(nodeID)
	if agent == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotConnected)
	}

	var rawPayload json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal command payload: %w", err)
		}
		rawPayload = data
	}

	commandID := uuid.NewString()
	waiter, ok := agent.register(commandID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotConnected)
	}

	if err := agent.send(ctx, Frame{
		Type:    commandType,
		ID:      commandID,
		Payload: rawPayload,
	}); err != nil {
		agent.unregister(commandID)
		return nil, fmt.Errorf("failed to send command to node %s: %w", nodeID, err)
	}

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	select {
	case result := <-waiter:
		if !result.Success {
			return nil, fmt.Errorf("command %s on node %s failed: %s", commandType, nodeID, result.Error)
		}
		return result.Payload, nil
	case <-timer.C:
		agent.unregister(commandID)
		return nil, fmt.Errorf("command %s on node %s: %w", commandType, nodeID, domain.ErrCommandTimeout)
	case <-ctx.Done():
		agent.unregister(commandID)
		return nil, ctx.Err()
	}
}

// IsConnected reports whether a node has a live agent connection.
func (s *Service) IsConnected(nodeID string) bool {
	return s.conns.Get(nodeID) != nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) (*Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &frame, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
