package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CommandType describes the replicated operation type.
type CommandType string

const (
	CmdRouteAdd           CommandType = "route.add"
	CmdRouteRemove        CommandType = "route.remove"
	CmdClientConnected    CommandType = "client.connected"
	CmdClientDisconnected CommandType = "client.disconnected"
)

const commandVersion = 1

// Command is the envelope replicated via raft.
type Command struct {
	Version int             `json:"v"`
	ID      string          `json:"id"`
	Type    CommandType     `json:"t"`
	Payload json.RawMessage `json:"p"`
}

// RouteCommand adds or removes a subscription route owned by a node.
type RouteCommand struct {
	Filter string `json:"filter"`
	NodeID uint64 `json:"node_id"`
}

// ClientCommand moves a client session to or away from a node.
type ClientCommand struct {
	ClientID string `json:"client_id"`
	NodeID   uint64 `json:"node_id"`
}

// NewCommand wraps payload in an envelope with a fresh id.
func NewCommand(t CommandType, payload interface{}) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Command{Version: commandVersion, ID: uuid.NewString(), Type: t, Payload: raw}, nil
}

// Marshal encodes the command to bytes.
func (c Command) Marshal() ([]byte, error) { return json.Marshal(c) }
