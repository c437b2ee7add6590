package watcher

// State is the watcher's view of one reservation.
type State string

const (
	StateIdle               State = "idle"
	StateEvaluating         State = "evaluating"
	StatePingFlow           State = "ping_flow"
	StateWrapupVerification State = "wrapup_verification"
	StateAwaitingReconnect  State = "awaiting_reconnect"
	StateReconnectFlow      State = "reconnect_flow"
	StateResolved           State = "resolved"
)

var transitions = map[State][]State{
	StateIdle:               {StateEvaluating},
	StateEvaluating:         {StatePingFlow, StateWrapupVerification, StateReconnectFlow, StateResolved},
	StateWrapupVerification: {StateAwaitingReconnect, StateResolved},
	StateAwaitingReconnect:  {StateResolved},
	StatePingFlow:           {StateResolved},
	StateReconnectFlow:      {StateResolved},
}

// canTransition reports whether from → to is allowed.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// entry tracks one reservation of a worker, keyed by task SID.
type entry struct {
	state          State
	reservationSID string
	cancelWait     func()
}

// dialog is the blocking reconnect dialog as last shown to the worker.
type dialog struct {
	message    string
	detail     string
	generation uint64
}

// session is the per-worker watcher state. expecting holds the stranded
// task SIDs whose reconnect was routed back to this worker.
type session struct {
	tasks      map[string]*entry
	expecting  map[string]bool
	dialog     *dialog
	generation uint64
}

func newSession() *session {
	return &session{tasks: make(map[string]*entry), expecting: make(map[string]bool)}
}

// blocked reports whether anything still keeps the reconnect dialog open.
func (s *session) blocked() bool {
	if len(s.expecting) > 0 {
		return true
	}
	for _, e := range s.tasks {
		if e.state == StatePingFlow || e.state == StateAwaitingReconnect {
			return true
		}
	}
	return false
}

// advance moves the task's entry to the given state. Unknown tasks start
// in Idle.
func (s *session) advance(taskSID string, to State) bool {
	e, ok := s.tasks[taskSID]
	if !ok {
		e = &entry{state: StateIdle}
		s.tasks[taskSID] = e
	}
	if !canTransition(e.state, to) {
		return false
	}
	e.state = to
	return true
}

func (s *session) state(taskSID string) State {
	if e, ok := s.tasks[taskSID]; ok {
		return e.state
	}
	return StateIdle
}
