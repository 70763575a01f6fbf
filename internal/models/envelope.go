package models

import (
	"encoding/json"

	"github.com/benmeehan/hoas-hub/internal/constants"
)

// CmdEnvelope is the outbound frame carrying a command to a device.
type CmdEnvelope struct {
	Type   string          `json:"type"`
	CmdID  string          `json:"cmd_id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// NewCmdEnvelope builds the outbound frame for cmd.
func NewCmdEnvelope(cmd Command) CmdEnvelope {
	params := cmd.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return CmdEnvelope{
		Type:   constants.MessageTypeCommand,
		CmdID:  cmd.CmdID,
		Name:   cmd.Name,
		Params: params,
	}
}

// InboundMessage is the union of frames a device may send; Type selects which
// fields are meaningful.
type InboundMessage struct {
	Type   string          `json:"type"`
	State  json.RawMessage `json:"state,omitempty"`
	CmdID  string          `json:"cmd_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}
