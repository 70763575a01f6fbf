package models

import (
	"encoding/json"
	"time"
)

// Device is a paired remote endpoint.
type Device struct {
	// DeviceID is the unique identifier generated at pairing time.
	DeviceID string `json:"device_id"`

	// DisplayName is the human readable name given at pairing (the child's name).
	DisplayName string `json:"child_name"`

	// PairingToken authenticates the device's sessions. Never serialized in API responses.
	PairingToken string `json:"-"`

	CreatedAt time.Time `json:"created_at"`

	// LastSeen is updated by heartbeats only; nil until the first heartbeat.
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Metadata is an opaque device-owned JSON object.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PairingResponse is returned to the operator after a device is paired.
type PairingResponse struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	WSURL    string `json:"ws_url"`
}
