package constants

// CommandStatus is the lifecycle state of a command record.
type CommandStatus string

const (
	// CommandStatusQueued indicates that the command is persisted but not yet delivered
	CommandStatusQueued CommandStatus = "queued"
	// CommandStatusSent indicates that the command was written to the device transport
	CommandStatusSent CommandStatus = "sent"
	// CommandStatusReceived indicates that the device acknowledged receipt
	CommandStatusReceived CommandStatus = "received"
	// CommandStatusRunning indicates that the device is executing the command
	CommandStatusRunning CommandStatus = "running"
	// CommandStatusDone indicates that the command completed successfully
	CommandStatusDone CommandStatus = "done"
	// CommandStatusFailed indicates that the command execution has failed
	CommandStatusFailed CommandStatus = "failed"
	// CommandStatusNoClient indicates that no device session existed and offline queueing is disabled
	CommandStatusNoClient CommandStatus = "no_client"
)

const (
	// DefaultFlushBatchSize bounds the backlog delivered on a single reconnect.
	DefaultFlushBatchSize = 100
	// DefaultCommandListLimit matches the size of the recent-commands views.
	DefaultCommandListLimit = 50
	// GenericFailureMessage is recorded when a failed result carries no error text.
	GenericFailureMessage = "command failed"
)

// IsDeviceReportable reports whether a device may move a command into status s
// through an ack or result message.
func (s CommandStatus) IsDeviceReportable() bool {
	switch s {
	case CommandStatusReceived, CommandStatusRunning, CommandStatusDone, CommandStatusFailed:
		return true
	}
	return false
}
