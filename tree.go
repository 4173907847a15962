// Package statesync replicates a state tree from one primary process to any
// number of replicas. The primary diffs every change, projects the delta
// through each replica's interest shape and broadcasts it; replicas merge the
// deltas into their local copy and forward their own actions upstream.
package statesync

import (
	"reflect"
	"time"
)

// Tree is a recursively nested mapping from string keys to values.
// Values are scalars, nested trees (Tree or map[string]any), or arrays.
// Arrays are atomic: they are compared and replaced as a whole.
type Tree map[string]any

// asTree reports whether v is a plain nested tree and returns it as a Tree.
func asTree(v any) (Tree, bool) {
	switch t := v.(type) {
	case Tree:
		return t, t != nil
	case map[string]any:
		return Tree(t), t != nil
	default:
		return nil, false
	}
}

// sameTree reports whether a and b share the same underlying map.
func sameTree(a, b Tree) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// sameValue is the equality used by Diff and Merge. Trees are equal when they
// share a map, comparable scalars use ==, everything else (arrays) falls back to
// deep equality. time.Time compares by instant.
func sameValue(a, b any) bool {
	if ta, ok := asTree(a); ok {
		tb, ok := asTree(b)
		return ok && sameTree(ta, tb)
	}
	if _, ok := asTree(b); ok {
		return false
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// isEmpty reports whether v is absent or a tree with no keys.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case Tree:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
