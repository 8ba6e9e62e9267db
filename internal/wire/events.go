// Package wire defines the control-channel wire protocol shared by the
// coordinator and every worker: the closed set of event names, the
// {event, payload} envelope carried over the websocket connection, and the
// canonical checksum used to verify code bundles and checkpoints.
package wire

// Event is one of the closed set of control-channel event names. Keeping
// this as a defined string type (rather than bare strings at every call
// site) is what lets Envelope.Event round-trip through JSON without a
// custom marshaler.
type Event string

// The full set of recognized events. This list is bit-stable: adding an
// event here is additive, but renaming or removing one breaks every node
// still running the old binary.
const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"

	EventNodeRegister   Event = "node:register"
	EventNodeRegistered Event = "node:registered"
	EventNodeHeartbeat  Event = "node:heartbeat"
	EventNodeStatusUpdate Event = "node:status:update"
	EventNodeListUpdate Event = "node:list:update"

	EventTaskSubmit    Event = "task:submit"
	EventTaskSubmitted Event = "task:submitted"
	EventTaskAssign    Event = "task:assign"
	EventTaskStart     Event = "task:start"
	EventTaskProgress  Event = "task:progress"
	EventTaskComplete  Event = "task:complete"
	EventTaskPause     Event = "task:pause"
	EventTaskError     Event = "task:error"

	EventMigrationRequest Event = "migration:request"
	EventMigrationPrepare Event = "migration:prepare"
	EventMigrationReady   Event = "migration:ready"
	EventMigrationExecute Event = "migration:execute"
	EventMigrationComplete Event = "migration:complete"
	EventMigrationFailed  Event = "migration:failed"

	EventCheckpointSave   Event = "checkpoint:save"
	EventCheckpointSaved  Event = "checkpoint:saved"
	EventCheckpointLoad   Event = "checkpoint:load"
	EventCheckpointLoaded Event = "checkpoint:loaded"

	EventBroadcastEvent Event = "broadcast:event"
	EventSystemUpdate   Event = "system:update"
	EventLogMessage     Event = "log:message"
	EventNodeStats      Event = "node:stats"
)

// BroadcastEventType is the closed set of sub-types carried as the payload
// of an EventBroadcastEvent envelope.
type BroadcastEventType string

const (
	BroadcastMigrationRequested BroadcastEventType = "migration_requested"
	BroadcastMigrationStarted  BroadcastEventType = "migration_started"
	BroadcastCheckpointSaved   BroadcastEventType = "checkpoint_saved"
	BroadcastCodeTransferred   BroadcastEventType = "code_transferred"
	BroadcastStateTransferred  BroadcastEventType = "state_transferred"
	BroadcastMigrationCompleted BroadcastEventType = "migration_completed"
	BroadcastMigrationFailed   BroadcastEventType = "migration_failed"
	BroadcastExecutionResumed  BroadcastEventType = "execution_resumed"
	BroadcastNodeFailureDetected BroadcastEventType = "node_failure_detected"
	BroadcastTaskRecovered     BroadcastEventType = "task_recovered"
)
