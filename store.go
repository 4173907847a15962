package statesync

import (
	"encoding/json"
	"fmt"
)

// Action is a dispatched intent to change state.
//
// Source names the originating process. Data is set only on actions rebuilt
// from a primary broadcast and carries the delta to apply instead of running
// the reducer.
type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Source  string `json:"source,omitempty"`
	Data    *Delta `json:"data,omitempty"`
}

// Reducer computes the next state from the current state and an action.
// It must not mutate state in place.
type Reducer func(state Tree, action *Action) (Tree, error)

// Store is the state container wrapped by Primary and Replica.
type Store interface {
	// State returns the current state snapshot.
	State() Tree
	// Dispatch runs the reducer for action and replaces the state.
	Dispatch(action *Action) error
}

// StoreCreator builds a Store from a reducer and its initial state.
type StoreCreator func(reducer Reducer, initial Tree) Store

// MemoryStore is the default Store: a reducer applied to an in-memory tree.
type MemoryStore struct {
	reducer Reducer
	state   Tree
}

var _ Store = (*MemoryStore)(nil)

// NewStore creates a MemoryStore. It satisfies StoreCreator.
func NewStore(reducer Reducer, initial Tree) Store {
	if initial == nil {
		initial = Tree{}
	}
	return &MemoryStore{reducer: reducer, state: initial}
}

// State implements Store.
func (s *MemoryStore) State() Tree {
	return s.state
}

// Dispatch implements Store. A nil action leaves state untouched.
func (s *MemoryStore) Dispatch(action *Action) error {
	if action == nil || s.reducer == nil {
		return nil
	}
	next, err := s.reducer(s.state, action)
	if err != nil {
		return err
	}
	if next == nil {
		next = Tree{}
	}
	s.state = next
	return nil
}

// marshalState renders a tree as a JSON document.
func marshalState(state Tree) (string, error) {
	if state == nil {
		state = Tree{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("statesync: marshal state: %w", err)
	}
	return string(data), nil
}

// UnmarshalState parses a JSON document produced by Primary.SerializedState.
func UnmarshalState(data string) (Tree, error) {
	var state Tree
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("statesync: unmarshal state: %w", err)
	}
	return state, nil
}
