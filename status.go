package relay

// ShardStatus tracks where a shard is in the connection lifecycle.
// Only Ready permits application command sends. Stopped is terminal.
type ShardStatus int32

const (
	ShardStatusIdle ShardStatus = iota
	ShardStatusConnecting
	ShardStatusIdentifying
	ShardStatusResuming
	ShardStatusReady
	ShardStatusReconnecting
	ShardStatusStopped
)

func (status ShardStatus) String() string {
	return []string{
		"Idle",
		"Connecting",
		"Identifying",
		"Resuming",
		"Ready",
		"Reconnecting",
		"Stopped",
	}[status]
}

type ManagerStatus int32

const (
	ManagerStatusIdle ManagerStatus = iota
	ManagerStatusFailed
	ManagerStatusStarting
	ManagerStatusConnecting
	ManagerStatusReady
	ManagerStatusStopping
	ManagerStatusStopped
)

func (status ManagerStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Starting",
		"Connecting",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}

// CloseBehaviour classifies how a connection loss affects the session.
type CloseBehaviour int32

const (
	// CloseResumable keeps the session; the next connect resumes.
	CloseResumable CloseBehaviour = iota
	// CloseNotResumable clears the session; the next connect identifies.
	CloseNotResumable
	// CloseFatal stops the shard permanently.
	CloseFatal
)

func (behaviour CloseBehaviour) String() string {
	return []string{
		"Resumable",
		"NotResumable",
		"Fatal",
	}[behaviour]
}
