package upstream

// EventKind identifies a connection event.
type EventKind string

const (
	EventStateChanged      EventKind = "state_changed"
	EventOAuthRequired     EventKind = "oauth_required"
	EventOAuthHandled      EventKind = "oauth_handled"
	EventOAuthFailed       EventKind = "oauth_failed"
	EventSessionCreated    EventKind = "session_created"
	EventSessionTerminated EventKind = "session_terminated"
	EventSessionError      EventKind = "session_error"
	EventResourcesChanged  EventKind = "resources_changed"
	EventError             EventKind = "error"
)

// Event describes something that happened on a connection.
type Event struct {
	Kind      EventKind
	Server    string
	Principal string
	SessionID string
	State     ConnectionState
	Err       error
}

// EventCallback receives connection events. Callbacks run on the
// connection's goroutines and must not block.
type EventCallback func(Event)
