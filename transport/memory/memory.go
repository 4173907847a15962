// Package memory connects a primary and its replicas inside one process.
//
// Messages are queued in send order and delivered only when Flush is
// called, which makes the asynchronous interleavings of a real transport
// reproducible in tests.
package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jilio/statesync"
	"github.com/oklog/ulid/v2"
)

// PrimaryHandler receives messages sent by replicas.
type PrimaryHandler interface {
	HandleMessage(ctx context.Context, conn statesync.Conn, msg *statesync.Message) error
	SerializedState() (string, error)
}

// ReplicaHandler receives broadcasts sent by the primary.
type ReplicaHandler interface {
	HandleMessage(ctx context.Context, msg *statesync.Message) error
}

type delivery struct {
	conn *Conn
	msg  *statesync.Message
	// toPrimary is false for broadcasts travelling to conn's link.
	toPrimary bool
}

// Network is an ordered in-process message bus. It implements
// statesync.Lifecycle so a primary can learn about closed owners.
type Network struct {
	primary PrimaryHandler
	queue   []delivery
	owners  map[string][]func()
	conns   []*Conn
}

var _ statesync.Lifecycle = (*Network)(nil)

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{owners: make(map[string][]func())}
}

// ServePrimary attaches the primary that receives replica messages and
// serves bootstrap state.
func (n *Network) ServePrimary(p PrimaryHandler) {
	n.primary = p
}

// Connect opens a connection owned by ownerID and returns the replica end.
// The client id is derived from the owner as a window client.
func (n *Network) Connect(ownerID string) *Link {
	return n.ConnectClient(ownerID, statesync.WindowClientID(ownerID))
}

// ConnectClient is Connect with an explicit client id.
func (n *Network) ConnectClient(ownerID, clientID string) *Link {
	c := &Conn{
		id:      ulid.Make().String(),
		ownerID: ownerID,
		alive:   true,
		network: n,
	}
	c.link = &Link{conn: c, clientID: clientID}
	n.conns = append(n.conns, c)
	return c.link
}

// OnOwnerClosed implements statesync.Lifecycle.
func (n *Network) OnOwnerClosed(ownerID string, fn func()) {
	n.owners[ownerID] = append(n.owners[ownerID], fn)
}

// CloseOwner simulates the owner window closing: its connections die and
// the registered lifecycle callbacks run.
func (n *Network) CloseOwner(ownerID string) {
	for _, c := range n.conns {
		if c.ownerID == ownerID {
			c.alive = false
		}
	}
	callbacks := n.owners[ownerID]
	delete(n.owners, ownerID)
	for _, fn := range callbacks {
		fn()
	}
}

// Pending returns the number of queued messages.
func (n *Network) Pending() int {
	return len(n.queue)
}

// Flush delivers queued messages in order, including those queued while
// flushing, until the network is idle. Handler errors do not stop delivery;
// they are returned together.
func (n *Network) Flush(ctx context.Context) error {
	var errs []error
	for len(n.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		d := n.queue[0]
		n.queue[0] = delivery{}
		n.queue = n.queue[1:]
		if err := n.deliver(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Step delivers the next queued message, reporting whether one was queued.
func (n *Network) Step(ctx context.Context) (bool, error) {
	if len(n.queue) == 0 {
		return false, nil
	}
	d := n.queue[0]
	n.queue[0] = delivery{}
	n.queue = n.queue[1:]
	return true, n.deliver(ctx, d)
}

func (n *Network) deliver(ctx context.Context, d delivery) error {
	if d.toPrimary {
		if n.primary == nil {
			return fmt.Errorf("memory: no primary for message %q", d.msg.Kind)
		}
		return n.primary.HandleMessage(ctx, d.conn, d.msg)
	}

	link := d.conn.link
	if link.replica == nil {
		link.backlog = append(link.backlog, d.msg)
		return nil
	}
	return link.replica.HandleMessage(ctx, d.msg)
}

// Conn is the primary's end of a connection.
type Conn struct {
	id      string
	ownerID string
	alive   bool
	network *Network
	link    *Link
}

var _ statesync.Conn = (*Conn)(nil)

// ID implements statesync.Conn.
func (c *Conn) ID() string { return c.id }

// OwnerID implements statesync.Conn.
func (c *Conn) OwnerID() string { return c.ownerID }

// Alive implements statesync.Conn.
func (c *Conn) Alive() bool { return c.alive }

// Kill marks the connection dead without signalling its owner.
func (c *Conn) Kill() { c.alive = false }

// Send implements statesync.Conn.
func (c *Conn) Send(ctx context.Context, msg *statesync.Message) error {
	if !c.alive {
		return statesync.ErrConnClosed
	}
	c.network.queue = append(c.network.queue, delivery{conn: c, msg: msg})
	return nil
}

// Link is the replica's end of a connection. It implements
// statesync.Upstream.
type Link struct {
	conn     *Conn
	clientID string
	replica  ReplicaHandler
	backlog  []*statesync.Message
}

var _ statesync.Upstream = (*Link)(nil)

// Conn returns the primary's end of the link.
func (l *Link) Conn() *Conn { return l.conn }

// Attach routes broadcasts to r. Broadcasts that arrived before the replica
// was attached are requeued in order.
func (l *Link) Attach(r ReplicaHandler) {
	l.replica = r
	backlog := l.backlog
	l.backlog = nil
	for _, msg := range backlog {
		l.conn.network.queue = append(l.conn.network.queue, delivery{conn: l.conn, msg: msg})
	}
}

// ClientID implements statesync.Upstream.
func (l *Link) ClientID() string { return l.clientID }

// FetchState implements statesync.Upstream. It returns "" when no primary
// is being served.
func (l *Link) FetchState(ctx context.Context) (string, error) {
	if l.conn.network.primary == nil {
		return "", nil
	}
	return l.conn.network.primary.SerializedState()
}

// Send implements statesync.Upstream.
func (l *Link) Send(ctx context.Context, msg *statesync.Message) error {
	if !l.conn.alive {
		return statesync.ErrConnClosed
	}
	l.conn.network.queue = append(l.conn.network.queue, delivery{conn: l.conn, msg: msg, toPrimary: true})
	return nil
}
