package models

import "time"

// AvailabilityEvent is published when a device session starts or ends.
type AvailabilityEvent struct {
	DeviceID string    `json:"device_id"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

// CommandEvent is published on every command status change.
type CommandEvent struct {
	CmdID    string    `json:"cmd_id"`
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
