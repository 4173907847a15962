package main

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jilio/statesync"
)

func TestCounterReducer(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		action *statesync.Action
		want   statesync.Tree
	}{
		{
			name:   "add float",
			action: &statesync.Action{Type: ActionAdd, Payload: float64(2.5)},
			want: statesync.Tree{
				"counter": statesync.Tree{"value": 2.5},
				"clock":   statesync.Tree{"ticks": float64(0)},
			},
		},
		{
			name:   "add int",
			action: &statesync.Action{Type: ActionAdd, Payload: 3},
			want: statesync.Tree{
				"counter": statesync.Tree{"value": float64(3)},
				"clock":   statesync.Tree{"ticks": float64(0)},
			},
		},
		{
			name:   "tick",
			action: &statesync.Action{Type: ActionTick, Payload: at},
			want: statesync.Tree{
				"counter": statesync.Tree{"value": float64(0)},
				"clock":   statesync.Tree{"ticks": float64(1), "at": at},
			},
		},
		{
			name:   "unknown",
			action: &statesync.Action{Type: "noop"},
			want:   initialState(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := counterReducer(initialState(), tt.action)
			if err != nil {
				t.Fatalf("counterReducer() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("counterReducer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCounterReducerRejectsBadAmount(t *testing.T) {
	_, err := counterReducer(initialState(), &statesync.Action{Type: ActionAdd, Payload: "two"})
	if err == nil {
		t.Fatal("counterReducer() error = nil, want error")
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: `true`, want: statesync.All().String()},
		{raw: `{"counter":true}`, want: statesync.Keys("counter").String()},
		{raw: `"counter-only"`, want: statesync.NamedDynamic(counterOnlyShape, nil).String()},
		{raw: `{"counter":`, wantErr: true},
		{raw: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseFilter(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFilter(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("parseFilter(%s) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseFilterInvalidLeaf(t *testing.T) {
	_, err := parseFilter(`{"counter":false}`)
	if !errors.Is(err, statesync.ErrInvalidShapeLeaf) {
		t.Errorf("parseFilter() error = %v, want ErrInvalidShapeLeaf", err)
	}
}

func TestCounterOnlyProjectsCounter(t *testing.T) {
	state := statesync.Tree{
		"counter": statesync.Tree{"value": float64(4)},
		"clock":   statesync.Tree{"ticks": float64(9)},
	}
	filter, err := statesync.NamedDynamic(counterOnlyShape, nil).Bind(map[string]statesync.ShapeFunc{
		counterOnlyShape: counterOnly,
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	got, err := statesync.ProjectTree(state, filter)
	if err != nil {
		t.Fatalf("ProjectTree() error = %v", err)
	}
	want := statesync.Tree{"counter": statesync.Tree{"value": float64(4)}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ProjectTree() = %v, want %v", got, want)
	}
}
