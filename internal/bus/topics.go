package bus

// Account lifecycle event topics, published by the registry when an
// account's connection or sleep state flips.
const (
	TopicAccountConnected    = "account.connected"
	TopicAccountDisconnected = "account.disconnected"
	TopicAccountSleeping     = "account.sleeping"
)

// TopicCorrelatorDropped fires when the event correlator cannot match an
// inbound notification to any running task.
const TopicCorrelatorDropped = "correlator.dropped"

// AccountStateEvent is published whenever an account's connected/sleeping
// flag changes.
type AccountStateEvent struct {
	ChannelID string
	Connected bool
	Sleeping  bool
}

// CorrelatorDroppedEvent carries the raw event id and channel that could
// not be correlated to a running task.
type CorrelatorDroppedEvent struct {
	EventID   string
	ChannelID string
	Reason    string
}
