package services

import "errors"

var (
	// ErrDeviceNotFound is returned when a dispatch targets an unknown device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnauthorized is returned when a session presents an unknown pairing token.
	ErrUnauthorized = errors.New("unauthorized session")
	// ErrInvalidCommand is returned when a command has no name.
	ErrInvalidCommand = errors.New("command name is required")
	// ErrDisplayNameRequired is returned when pairing without a display name.
	ErrDisplayNameRequired = errors.New("display name is required")
)
