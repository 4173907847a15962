package statesync_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/jilio/statesync"
	"github.com/jilio/statesync/transport/memory"
)

func teamsReducer(state statesync.Tree, action *statesync.Action) (statesync.Tree, error) {
	switch action.Type {
	case "rate":
		p, _ := action.Payload.(map[string]any)
		id, _ := p["id"].(string)
		return statesync.Merge(state, statesync.Tree{
			"teams": statesync.Tree{id: statesync.Tree{"rating": p["rating"]}},
		}), nil
	case "drop":
		id, _ := action.Payload.(string)
		return statesync.Subtract(state, statesync.Tree{"teams": statesync.Tree{id: true}})
	}
	return state, nil
}

func initialTeams() statesync.Tree {
	return statesync.Tree{
		"teams": statesync.Tree{
			"1": statesync.Tree{"name": "A", "rating": float64(5)},
			"2": statesync.Tree{"name": "B", "rating": float64(3)},
		},
	}
}

type cluster struct {
	t       *testing.T
	network *memory.Network
	primary *statesync.Primary
}

func newCluster(t *testing.T, opts ...statesync.Option) *cluster {
	network := memory.NewNetwork()
	opts = append([]statesync.Option{statesync.WithLifecycle(network)}, opts...)
	primary := statesync.NewPrimary(statesync.NewStore(teamsReducer, initialTeams()), opts...)
	network.ServePrimary(primary)
	return &cluster{t: t, network: network, primary: primary}
}

func (c *cluster) replica(owner string, opts ...statesync.Option) (*statesync.Replica, *memory.Link) {
	c.t.Helper()
	link := c.network.Connect(owner)
	r, err := statesync.NewReplica(context.Background(), teamsReducer, nil, link, opts...)
	if err != nil {
		c.t.Fatalf("NewReplica(%s) error = %v", owner, err)
	}
	link.Attach(r)
	c.flush()
	return r, link
}

func (c *cluster) flush() {
	c.t.Helper()
	if err := c.network.Flush(context.Background()); err != nil {
		c.t.Fatalf("Flush() error = %v", err)
	}
}

func rate(id string, rating float64) *statesync.Action {
	return &statesync.Action{Type: "rate", Payload: map[string]any{"id": id, "rating": rating}}
}

// normalize returns state as it looks after a JSON round trip, so trees
// built from different map types compare equal.
func normalize(t *testing.T, state statesync.Tree) statesync.Tree {
	t.Helper()
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	decoded, err := statesync.UnmarshalState(string(data))
	if err != nil {
		t.Fatalf("UnmarshalState() error = %v", err)
	}
	return decoded
}

func ratingOf(t *testing.T, state statesync.Tree, id string) any {
	t.Helper()
	teams, _ := normalize(t, state)["teams"].(map[string]any)
	team, _ := teams[id].(map[string]any)
	return team["rating"]
}

func TestSyncPrimaryDispatchReachesReplicas(t *testing.T) {
	c := newCluster(t)
	full, _ := c.replica("w1")
	partial, _ := c.replica("w2",
		statesync.WithFilter(statesync.Fields(map[string]statesync.Shape{"teams": statesync.Keys("1")})),
	)

	if _, err := c.primary.Dispatch(rate("1", 7)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if _, err := c.primary.Dispatch(&statesync.Action{Type: "drop", Payload: "2"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	c.flush()

	if got, want := normalize(t, full.State()), normalize(t, c.primary.State()); !reflect.DeepEqual(got, want) {
		t.Errorf("full replica = %v, want %v", got, want)
	}
	if got := ratingOf(t, partial.State(), "1"); got != float64(7) {
		t.Errorf("partial replica rating = %v, want 7", got)
	}
	// The deletion of team 2 is outside the partial replica's interest.
	if got := ratingOf(t, partial.State(), "2"); got != float64(3) {
		t.Errorf("partial replica team 2 rating = %v, want 3", got)
	}
}

func TestSyncReplicaDispatchRoundTrip(t *testing.T) {
	c := newCluster(t)
	sender, _ := c.replica("w1")
	watcher, _ := c.replica("w2")

	notified := 0
	sender.Subscribe(func() { notified++ })

	if _, err := sender.Dispatch(rate("2", 9)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := ratingOf(t, sender.State(), "2"); got != float64(9) {
		t.Errorf("optimistic rating = %v, want 9", got)
	}
	c.flush()

	if got := ratingOf(t, c.primary.State(), "2"); got != float64(9) {
		t.Errorf("primary rating = %v, want 9", got)
	}
	if got := ratingOf(t, watcher.State(), "2"); got != float64(9) {
		t.Errorf("watcher rating = %v, want 9", got)
	}
	if notified != 1 {
		t.Errorf("sender notified %d times, want 1", notified)
	}
}

func TestSyncAsynchronousReplicaWaitsForPrimary(t *testing.T) {
	c := newCluster(t)
	r, _ := c.replica("w1", statesync.WithSynchronous(false))

	if _, err := r.Dispatch(rate("1", 1)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := ratingOf(t, r.State(), "1"); got != float64(5) {
		t.Errorf("rating before confirmation = %v, want 5", got)
	}

	c.flush()
	if got := ratingOf(t, r.State(), "1"); got != float64(1) {
		t.Errorf("rating after confirmation = %v, want 1", got)
	}
}

func TestSyncOwnerReloadSupersedes(t *testing.T) {
	c := newCluster(t)
	_, first := c.replica("w1")
	_, second := c.replica("w1")

	if sub, _ := c.primary.Registry().Subscriber(first.Conn().ID()); sub.Active() {
		t.Error("first connection still active after reload")
	}
	if sub, _ := c.primary.Registry().Subscriber(second.Conn().ID()); !sub.Active() {
		t.Error("second connection is not active")
	}
	if n := c.primary.Registry().ActiveCount(); n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}
}

func TestSyncOwnerClosed(t *testing.T) {
	c := newCluster(t)
	_, link := c.replica("w1")
	other, _ := c.replica("w2")

	c.network.CloseOwner("w1")
	if sub, _ := c.primary.Registry().Subscriber(link.Conn().ID()); sub.Active() {
		t.Error("subscriber active after its owner closed")
	}

	if _, err := c.primary.Dispatch(rate("1", 8)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	c.flush()
	if got := ratingOf(t, other.State(), "1"); got != float64(8) {
		t.Errorf("remaining replica rating = %v, want 8", got)
	}
}

func TestSyncDeadTransportIsSkipped(t *testing.T) {
	c := newCluster(t)
	_, link := c.replica("w1")
	other, _ := c.replica("w2")

	link.Conn().Kill()
	if _, err := c.primary.Dispatch(rate("1", 6)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	c.flush()

	if sub, _ := c.primary.Registry().Subscriber(link.Conn().ID()); sub.Active() {
		t.Error("dead transport still active")
	}
	if got := ratingOf(t, other.State(), "1"); got != float64(6) {
		t.Errorf("remaining replica rating = %v, want 6", got)
	}
}

func TestSyncNamedDynamicFilter(t *testing.T) {
	strong := func(sub any) statesync.Shape {
		var rating any
		switch team := sub.(type) {
		case statesync.Tree:
			rating = team["rating"]
		case map[string]any:
			rating = team["rating"]
		}
		if r, _ := rating.(float64); r >= 5 {
			return statesync.All()
		}
		return statesync.None()
	}

	c := newCluster(t, statesync.WithShapeFunc("strong", strong))
	byRating := statesync.NamedDynamic("strong", nil)
	r, _ := c.replica("w1", statesync.WithFilter(statesync.Fields(map[string]statesync.Shape{
		"teams": statesync.Fields(map[string]statesync.Shape{"1": byRating, "2": byRating}),
	})))

	if _, err := c.primary.Dispatch(rate("2", 4)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	c.flush()
	if got := ratingOf(t, r.State(), "2"); got != float64(3) {
		t.Errorf("rating = %v, want 3 while below the threshold", got)
	}

	if _, err := c.primary.Dispatch(rate("2", 6)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	c.flush()
	if got := ratingOf(t, r.State(), "2"); got != float64(6) {
		t.Errorf("rating = %v, want 6", got)
	}
}

func TestSyncBootstrapWithoutPrimary(t *testing.T) {
	network := memory.NewNetwork()
	_, err := statesync.NewReplica(context.Background(), teamsReducer, nil, network.Connect("w1"))
	if !errors.Is(err, statesync.ErrPrimaryUnreachable) {
		t.Errorf("NewReplica() error = %v, want ErrPrimaryUnreachable", err)
	}
}
