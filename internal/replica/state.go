// Package replica defines the value types shared by the pool repository:
// replica states and their transition table, sticky records, file
// attributes and the read-only Entry snapshot.
package replica

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a replica on a pool.
type State int

// Replica states. The zero value is NEW.
const (
	New State = iota
	FromClient
	FromPool
	FromStore
	Precious
	Cached
	Broken
	Removed
	Destroyed
)

var stateNames = [...]string{
	New:        "NEW",
	FromClient: "FROM_CLIENT",
	FromPool:   "FROM_POOL",
	FromStore:  "FROM_STORE",
	Precious:   "PRECIOUS",
	Cached:     "CACHED",
	Broken:     "BROKEN",
	Removed:    "REMOVED",
	Destroyed:  "DESTROYED",
}

// AllStates lists every state in declaration order.
var AllStates = []State{New, FromClient, FromPool, FromStore, Precious, Cached, Broken, Removed, Destroyed}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses the upper-case state name, e.g. "PRECIOUS".
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return New, fmt.Errorf("unknown replica state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid replica state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// IsTransfer reports whether data is still being written into the replica.
func (s State) IsTransfer() bool {
	return s == FromClient || s == FromPool || s == FromStore
}

// IsFinal reports whether s is a valid target state of a completed transfer.
func (s State) IsFinal() bool {
	return s == Precious || s == Cached
}

// IsLive reports whether the replica holds readable, accounted data.
func (s State) IsLive() bool {
	return s == Precious || s == Cached || s == Broken
}

// transitions is the complete transition graph. Anything not listed is illegal.
var transitions = map[State][]State{
	New:        {FromClient, FromPool, FromStore, Removed},
	FromClient: {Precious, Cached, Broken, Removed},
	FromPool:   {Precious, Cached, Broken, Removed},
	FromStore:  {Precious, Cached, Broken, Removed},
	Precious:   {Cached, Broken, Removed},
	Cached:     {Precious, Broken, Removed},
	Broken:     {Removed},
	Removed:    {Destroyed},
	Destroyed:  nil,
}

// CanTransition reports whether from -> to is an edge of the state graph.
// Self transitions are not edges; callers treat them as no-ops.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
