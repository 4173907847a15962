package statesync

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageKind discriminates protocol messages.
type MessageKind string

const (
	// KindRegister is sent by a replica to declare its interest.
	KindRegister MessageKind = "register"
	// KindReplicaDispatch forwards a replica action to the primary.
	KindReplicaDispatch MessageKind = "replica-dispatch"
	// KindPrimaryBroadcast carries a projected delta to a replica.
	KindPrimaryBroadcast MessageKind = "primary-broadcast"
)

// Message is the envelope exchanged over a transport.
//
// Action holds a JSON-serialized Action for dispatch and broadcast messages.
// Filter is set only on register messages.
type Message struct {
	Kind           MessageKind `json:"kind"`
	ClientID       string      `json:"clientId,omitempty"`
	Filter         *Shape      `json:"filter,omitempty"`
	Action         string      `json:"action,omitempty"`
	SourceClientID string      `json:"sourceClientId,omitempty"`
}

// NewRegisterMessage builds the message a replica sends on startup.
func NewRegisterMessage(clientID string, filter Shape) *Message {
	return &Message{Kind: KindRegister, ClientID: clientID, Filter: &filter}
}

// NewReplicaDispatchMessage builds the message forwarding action to the primary.
func NewReplicaDispatchMessage(action *Action, clientID string) (*Message, error) {
	encoded, err := EncodeAction(action)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindReplicaDispatch, ClientID: clientID, Action: encoded}, nil
}

// NewBroadcastMessage builds the message carrying a projected delta for
// action. Only the action's type and payload travel with the delta.
func NewBroadcastMessage(action *Action, delta Delta, sourceClientID string) (*Message, error) {
	transferred := &Action{Type: action.Type, Payload: action.Payload, Data: &delta}
	encoded, err := EncodeAction(transferred)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindPrimaryBroadcast, Action: encoded, SourceClientID: sourceClientID}, nil
}

// EncodeAction serializes an action as JSON.
func EncodeAction(action *Action) (string, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("statesync: encode action: %w", err)
	}
	return string(data), nil
}

// DecodeAction parses an action serialized by EncodeAction. The JSON
// literal null decodes to a nil action.
func DecodeAction(data string) (*Action, error) {
	var action *Action
	if err := json.Unmarshal([]byte(data), &action); err != nil {
		return nil, fmt.Errorf("statesync: decode action: %w", err)
	}
	return action, nil
}

// Conn is the primary's handle on one replica connection.
type Conn interface {
	// ID identifies the connection. A reloaded replica gets a new one.
	ID() string
	// OwnerID identifies the host window owning the connection, or "" when
	// the connection has no owner to supersede it.
	OwnerID() string
	// Alive reports whether the connection can still deliver messages.
	Alive() bool
	// Send queues msg for delivery. It does not wait for the peer.
	Send(ctx context.Context, msg *Message) error
}

// Lifecycle is the host signal telling the primary an owner window closed.
type Lifecycle interface {
	// OnOwnerClosed registers fn to be called once ownerID closes.
	OnOwnerClosed(ownerID string, fn func())
}

// Upstream is a replica's link to the primary.
type Upstream interface {
	// ClientID returns the stable identity the host assigned this replica.
	ClientID() string
	// FetchState returns the primary's serialized state, or "" if none is
	// discoverable.
	FetchState(ctx context.Context) (string, error)
	// Send queues msg for the primary. It does not wait for the primary.
	Send(ctx context.Context, msg *Message) error
}

// WindowClientID returns the client id of a replica owned by a window.
func WindowClientID(windowID string) string {
	return "window " + windowID
}

// WebviewClientID returns the client id of a replica embedded as a webview.
func WebviewClientID(instanceID string) string {
	return "webview " + instanceID
}
