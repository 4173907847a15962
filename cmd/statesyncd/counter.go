package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jilio/statesync"
)

const (
	ActionAdd  = "add"
	ActionTick = "tick"
)

// counterOnlyShape is the named filter replicas may ask for to ignore the
// clock.
const counterOnlyShape = "counter-only"

func initialState() statesync.Tree {
	return statesync.Tree{
		"counter": statesync.Tree{"value": float64(0)},
		"clock":   statesync.Tree{"ticks": float64(0)},
	}
}

// counterReducer handles the demo actions. Unknown actions leave the state
// untouched.
func counterReducer(state statesync.Tree, action *statesync.Action) (statesync.Tree, error) {
	switch action.Type {
	case ActionAdd:
		amount, err := number(action.Payload)
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		value, _ := lookup(state, "counter", "value").(float64)
		return statesync.Merge(state, statesync.Tree{
			"counter": statesync.Tree{"value": value + amount},
		}), nil

	case ActionTick:
		ticks, _ := lookup(state, "clock", "ticks").(float64)
		clock := statesync.Tree{"ticks": ticks + 1}
		if at, ok := action.Payload.(time.Time); ok {
			clock["at"] = at
		}
		return statesync.Merge(state, statesync.Tree{"clock": clock}), nil

	default:
		return state, nil
	}
}

func counterOnly(any) statesync.Shape {
	return statesync.Keys("counter")
}

func shapeFuncs() statesync.Option {
	return statesync.WithShapeFunc(counterOnlyShape, counterOnly)
}

// parseFilter reads a filter given as JSON on the command line.
func parseFilter(raw string) (statesync.Shape, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return statesync.Shape{}, fmt.Errorf("filter: %w", err)
	}
	return statesync.ShapeOf(v)
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func lookup(t statesync.Tree, path ...string) any {
	var v any = t
	for _, key := range path {
		switch m := v.(type) {
		case statesync.Tree:
			v = m[key]
		case map[string]any:
			v = m[key]
		default:
			return nil
		}
	}
	return v
}
