package models

import (
	"encoding/json"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
)

// Command is an operator-issued instruction targeted at a device.
type Command struct {
	CmdID     string                  `json:"cmd_id"`
	DeviceID  string                  `json:"device_id"`
	Name      string                  `json:"name"`
	Params    json.RawMessage         `json:"params"`
	Status    constants.CommandStatus `json:"status"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
	Result    json.RawMessage         `json:"result,omitempty"`
	Error     *string                 `json:"error,omitempty"`
}

// CmdRequest is the operator's request to dispatch a command to a device.
type CmdRequest struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DispatchResult is returned synchronously from a dispatch: the command id and
// whether it was sent, queued, or marked no_client.
type DispatchResult struct {
	CmdID  string                  `json:"cmd_id"`
	Status constants.CommandStatus `json:"status"`
}
