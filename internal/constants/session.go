package constants

import "time"

// SessionState tracks a device transport session from accept to close.
type SessionState string

const (
	SessionConnecting    SessionState = "connecting"
	SessionAuthenticated SessionState = "authenticated"
	SessionActive        SessionState = "active"
	SessionClosed        SessionState = "closed"
)

// Envelope types exchanged with devices.
const (
	MessageTypeCommand   = "cmd"
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeAck       = "ack"
	MessageTypeResult    = "result"
)

const (
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultPingPeriod     = (DefaultPongWait * 9) / 10
	DefaultMaxMessageSize = 64 * 1024 // 64KB
)
