package pool

import "fmt"

// State is a managed process' lifecycle state.
type State uint8

const (
	StateSpawning State = iota
	StateIdle
	StateLoading
	StateReady
	StateBusy
	StateUnhealthy
	StateTerminating
)

var stateNames = [...]string{
	StateSpawning:    "spawning",
	StateIdle:        "idle",
	StateLoading:     "loading",
	StateReady:       "ready",
	StateBusy:        "busy",
	StateUnhealthy:   "unhealthy",
	StateTerminating: "terminating",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// transitions lists the legal successors of each state. Every state may
// move to unhealthy; only unhealthy, idle and ready may start terminating.
var transitions = map[State][]State{
	StateSpawning:    {StateIdle, StateUnhealthy},
	StateIdle:        {StateLoading, StateBusy, StateTerminating, StateUnhealthy},
	StateLoading:     {StateReady, StateIdle, StateUnhealthy},
	StateReady:       {StateBusy, StateIdle, StateTerminating, StateUnhealthy},
	StateBusy:        {StateIdle, StateUnhealthy},
	StateUnhealthy:   {StateTerminating},
	StateTerminating: nil,
}

// canTransition reports whether from -> to is in the table.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	id       string
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("pool: illegal transition %s -> %s for %s", e.from, e.to, e.id)
}
