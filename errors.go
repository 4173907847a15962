package statesync

import "errors"

var (
	// ErrInvalidShapeLeaf is returned when a Shape holds a leaf that is neither
	// All, a nested Shape, nor a bound dynamic function.
	ErrInvalidShapeLeaf = errors.New("statesync: invalid shape leaf")

	// ErrInvalidFilterLeaf is returned when a deletion marker tree holds a leaf
	// that is neither true nor a nested tree.
	ErrInvalidFilterLeaf = errors.New("statesync: invalid filter leaf")

	// ErrPrimaryUnreachable is returned by replica bootstrap when no primary
	// state can be discovered.
	ErrPrimaryUnreachable = errors.New("statesync: primary unreachable")

	// ErrConnClosed is returned by transports sending on a destroyed connection.
	ErrConnClosed = errors.New("statesync: connection closed")

	// ErrUnknownDynamicShape is returned when a named dynamic shape received
	// over the wire has no registered function.
	ErrUnknownDynamicShape = errors.New("statesync: unknown dynamic shape")

	// ErrUnknownMessage is returned for messages of an unexpected kind.
	ErrUnknownMessage = errors.New("statesync: unknown message kind")
)
