package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/jilio/statesync"
)

type recordingPrimary struct {
	state    string
	received []*statesync.Message
	conns    []statesync.Conn
	err      error
}

func (p *recordingPrimary) HandleMessage(ctx context.Context, conn statesync.Conn, msg *statesync.Message) error {
	p.received = append(p.received, msg)
	p.conns = append(p.conns, conn)
	return p.err
}

func (p *recordingPrimary) SerializedState() (string, error) {
	return p.state, nil
}

type recordingReplica struct {
	received []*statesync.Message
}

func (r *recordingReplica) HandleMessage(ctx context.Context, msg *statesync.Message) error {
	r.received = append(r.received, msg)
	return nil
}

func TestNetworkDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	primary := &recordingPrimary{state: `{"a":1}`}
	network.ServePrimary(primary)

	link := network.Connect("w1")
	assert.Equal(t, link.ClientID(), "window w1")

	state, err := link.FetchState(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, `{"a":1}`)

	for _, kind := range []statesync.MessageKind{statesync.KindRegister, statesync.KindReplicaDispatch} {
		assert.Equal(t, link.Send(ctx, &statesync.Message{Kind: kind}), nil)
	}
	assert.Equal(t, network.Pending(), 2)
	assert.Equal(t, len(primary.received), 0)

	assert.Equal(t, network.Flush(ctx), nil)
	assert.Equal(t, network.Pending(), 0)
	assert.Equal(t, len(primary.received), 2)
	assert.Equal(t, primary.received[0].Kind, statesync.KindRegister)
	assert.Equal(t, primary.received[1].Kind, statesync.KindReplicaDispatch)
	assert.Equal(t, primary.conns[0].ID(), link.Conn().ID())
	assert.Equal(t, primary.conns[0].OwnerID(), "w1")
}

func TestNetworkBacklogUntilAttached(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	link := network.ConnectClient("w1", "webview 1")
	assert.Equal(t, link.ClientID(), "webview 1")

	conn := link.Conn()
	assert.Equal(t, conn.Send(ctx, &statesync.Message{Kind: statesync.KindPrimaryBroadcast, Action: "1"}), nil)
	assert.Equal(t, conn.Send(ctx, &statesync.Message{Kind: statesync.KindPrimaryBroadcast, Action: "2"}), nil)
	assert.Equal(t, network.Flush(ctx), nil)

	replica := &recordingReplica{}
	link.Attach(replica)
	assert.Equal(t, network.Pending(), 2)

	assert.Equal(t, network.Flush(ctx), nil)
	assert.Equal(t, len(replica.received), 2)
	assert.Equal(t, replica.received[0].Action, "1")
	assert.Equal(t, replica.received[1].Action, "2")
}

func TestNetworkStep(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	primary := &recordingPrimary{}
	network.ServePrimary(primary)
	link := network.Connect("w1")

	delivered, err := network.Step(ctx)
	assert.Equal(t, delivered, false)
	assert.Equal(t, err, nil)

	_ = link.Send(ctx, &statesync.Message{Kind: statesync.KindRegister})
	_ = link.Send(ctx, &statesync.Message{Kind: statesync.KindReplicaDispatch})

	delivered, err = network.Step(ctx)
	assert.Equal(t, delivered, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(primary.received), 1)
	assert.Equal(t, network.Pending(), 1)
}

func TestNetworkFlushCollectsErrors(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	handlerErr := errors.New("handler failed")
	primary := &recordingPrimary{err: handlerErr}
	network.ServePrimary(primary)
	link := network.Connect("w1")

	_ = link.Send(ctx, &statesync.Message{Kind: statesync.KindRegister})
	_ = link.Send(ctx, &statesync.Message{Kind: statesync.KindReplicaDispatch})

	err := network.Flush(ctx)
	assert.Equal(t, errors.Is(err, handlerErr), true)
	assert.Equal(t, len(primary.received), 2)
}

func TestNetworkWithoutPrimary(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	link := network.Connect("w1")

	state, err := link.FetchState(ctx)
	assert.Equal(t, state, "")
	assert.Equal(t, err, nil)

	_ = link.Send(ctx, &statesync.Message{Kind: statesync.KindRegister})
	assert.Equal(t, network.Flush(ctx) != nil, true)
}

func TestNetworkCloseOwner(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	first := network.Connect("w1")
	second := network.Connect("w1")
	other := network.Connect("w2")

	closed := 0
	network.OnOwnerClosed("w1", func() { closed++ })
	network.OnOwnerClosed("w1", func() { closed++ })
	network.OnOwnerClosed("w2", func() { closed += 10 })

	network.CloseOwner("w1")
	assert.Equal(t, closed, 2)
	assert.Equal(t, first.Conn().Alive(), false)
	assert.Equal(t, second.Conn().Alive(), false)
	assert.Equal(t, other.Conn().Alive(), true)

	// Callbacks run once.
	network.CloseOwner("w1")
	assert.Equal(t, closed, 2)

	assert.Equal(t, first.Send(ctx, &statesync.Message{}), statesync.ErrConnClosed)
	assert.Equal(t, first.Conn().Send(ctx, &statesync.Message{}), statesync.ErrConnClosed)
}

func TestConnKill(t *testing.T) {
	network := NewNetwork()
	closed := false
	network.OnOwnerClosed("w1", func() { closed = true })

	link := network.Connect("w1")
	link.Conn().Kill()

	assert.Equal(t, link.Conn().Alive(), false)
	assert.Equal(t, closed, false)
	assert.NotEqual(t, link.Conn().ID(), network.Connect("w1").Conn().ID())
}
