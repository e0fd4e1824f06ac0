package watcher

// State is the lifecycle position of a watcher
type State int

const (
	// Created: ticket issued, admission not started
	Created State = iota
	// Waiting: blocked behind earlier tickets
	Waiting
	// Registering: registration request in flight
	Registering
	// Bound: topics known, transport subscription in progress
	Bound
	// Active: receiving messages
	Active
	// Cancelled: stopped by the application
	Cancelled
	// Failed: admission or registration failed, error delivered
	Failed
	// Terminated: transport disconnected, error delivered
	Terminated
)

var stateNames = [...]string{
	Created:     "created",
	Waiting:     "waiting",
	Registering: "registering",
	Bound:       "bound",
	Active:      "active",
	Cancelled:   "cancelled",
	Failed:      "failed",
	Terminated:  "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the watcher can no longer change state
func (s State) Terminal() bool {
	return s == Cancelled || s == Failed || s == Terminated
}

// live reports whether inbound messages may be queued. Messages queued while
// Bound are held until the watcher is Active.
func (s State) live() bool {
	return s == Bound || s == Active
}

// States lists every state, for metrics that report zero counts
func States() []State {
	return []State{Created, Waiting, Registering, Bound, Active, Cancelled, Failed, Terminated}
}
