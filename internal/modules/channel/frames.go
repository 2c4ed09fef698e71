// Package channel carries the duplex websocket link between the control
// plane and node agents. One connection per node; commands flow out,
// register/heartbeat/results flow in, correlated by command id.
package channel

import "encoding/json"

// Client-to-server frame types.
const (
	FrameRegister      = "register"
	FrameHeartbeat     = "heartbeat"
	FrameCommandResult = "command_result"
)

// Server-to-client command types. An outbound command frame carries the
// command type itself in its type field: {id, type, payload}.
const (
	CommandBotExport      = "bot.export"
	CommandBotStop        = "bot.stop"
	CommandBotImport      = "bot.import"
	CommandBotInspect     = "bot.inspect"
	CommandBackupUpload   = "backup.upload"
	CommandBackupDownload = "backup.download"
)

// Frame is the wire envelope. Only the fields relevant to Type are set.
type Frame struct {
	Type string `json:"type"`

	// register / heartbeat
	NodeID       string `json:"node_id,omitempty"`
	Host         string `json:"host,omitempty"`
	CapacityMB   int64  `json:"capacity_mb,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	UsedMB       int64  `json:"used_mb,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`

	// command / command_result. Command echoes the command type on results.
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResult is the agent's answer to one command.
type CommandResult struct {
	Success bool
	Error   string
	Payload json.RawMessage
}
