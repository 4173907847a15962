// Package ws carries the statesync protocol over websockets.
//
// The primary side is a Server exposing two endpoints: SyncPath upgrades to a
// websocket per replica, and StatePath serves the serialized state replicas
// bootstrap from. The replica side is a Client. Connection ids are ULIDs, and
// the owning window is named by the "owner" query parameter of the handshake.
//
// Neither end touches the Primary or Replica from its network goroutines:
// inbound messages are handed to the single loop that owns them.
package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/jilio/statesync"
	"github.com/jilio/statesync/codec"
)

const (
	SyncPath   = "/sync"
	StatePath  = "/state"
	OwnerParam = "owner"
)

var errSendTimeout = errors.New("ws: send buffer full")

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	SendBufferSize   int
	EventBufferSize  int
	Codec            codec.Codec
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      5 * time.Second,
		SendBufferSize:   64,
		EventBufferSize:  256,
		Codec:            codec.JSON,
	}
}

// Event is work for the loop owning the primary: a message received on a
// connection, or callbacks to run there.
type Event struct {
	Conn    *Conn
	Message *statesync.Message
	run     []func()
}

// Apply runs the event against p. It must be called on p's loop.
func (e Event) Apply(ctx context.Context, p *statesync.Primary) error {
	for _, fn := range e.run {
		fn()
	}
	if e.Message == nil {
		return nil
	}
	return p.HandleMessage(ctx, e.Conn, e.Message)
}

// Server is the primary's end of the websocket transport. It implements
// statesync.Lifecycle: an owner is closed once its last connection drops.
type Server struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *Settings
	upgrader websocket.Upgrader
	events   chan Event

	stateLock sync.Mutex
	state     string

	mu      sync.Mutex
	owners  map[string]map[string]*Conn
	closers map[string][]func()
}

var _ statesync.Lifecycle = (*Server)(nil)

func NewServer(ctx context.Context, settings *Settings) *Server {
	if settings == nil {
		settings = DefaultSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			// replicas are local processes
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		events:  make(chan Event, settings.EventBufferSize),
		owners:  make(map[string]map[string]*Conn),
		closers: make(map[string][]func()),
	}
}

// Events returns the inbound work queue. Each event must be applied on the
// loop owning the primary.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Submit queues fn to run on the loop owning the primary.
func (s *Server) Submit(fn func()) bool {
	select {
	case s.events <- Event{run: []func(){fn}}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Publish sets the state served to bootstrapping replicas.
func (s *Server) Publish(state string) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.state = state
}

// State returns the last published state.
func (s *Server) State() string {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// Attach publishes p's state now and after every change. It must be called
// on p's loop, and returns a function undoing it.
func (s *Server) Attach(p *statesync.Primary) func() {
	publish := func() {
		state, err := p.SerializedState()
		if err != nil {
			glog.Errorf("[ws]publish state error = %s\n", err)
			return
		}
		s.Publish(state)
	}
	publish()
	return p.Subscribe(publish)
}

// Run applies events to p until ctx is done or the server is closed.
func (s *Server) Run(ctx context.Context, p *statesync.Primary) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case event := <-s.events:
			if err := event.Apply(ctx, p); err != nil {
				glog.Infof("[ws]apply error = %s\n", err)
			}
		}
	}
}

// Serve is Attach followed by Run.
func (s *Server) Serve(ctx context.Context, p *statesync.Primary) error {
	detach := s.Attach(p)
	defer detach()
	return s.Run(ctx, p)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(SyncPath, s.serveSync)
	mux.HandleFunc(StatePath, s.serveState)
	return mux
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.State()
	if state == "" {
		http.Error(w, "no state published", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, state)
}

func (s *Server) serveSync(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get(OwnerParam)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}

	c := newConn(s.ctx, ws, ownerID, s.settings)
	s.track(c)
	defer s.untrack(c)
	defer c.cancel()

	glog.V(2).Infof("[ws]connect %s owner=%s\n", c.id, ownerID)
	go c.writePump()
	c.readPump(func(msg *statesync.Message) bool {
		select {
		case s.events <- Event{Conn: c, Message: msg}:
			return true
		case <-c.ctx.Done():
			return false
		}
	})
	glog.V(2).Infof("[ws]disconnect %s owner=%s\n", c.id, ownerID)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.owners[c.ownerID]
	if !ok {
		conns = make(map[string]*Conn)
		s.owners[c.ownerID] = conns
	}
	conns[c.id] = c
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	conns := s.owners[c.ownerID]
	delete(conns, c.id)
	var closers []func()
	if len(conns) == 0 {
		delete(s.owners, c.ownerID)
		closers = s.closers[c.ownerID]
		delete(s.closers, c.ownerID)
	}
	s.mu.Unlock()

	if len(closers) == 0 {
		return
	}
	select {
	case s.events <- Event{run: closers}:
	case <-s.ctx.Done():
	}
}

// OnOwnerClosed implements statesync.Lifecycle. It is called on the loop
// owning the primary; fn runs there too.
func (s *Server) OnOwnerClosed(ownerID string, fn func()) {
	s.mu.Lock()
	if len(s.owners[ownerID]) == 0 {
		s.mu.Unlock()
		// already gone
		fn()
		return
	}
	s.closers[ownerID] = append(s.closers[ownerID], fn)
	s.mu.Unlock()
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, conns := range s.owners {
		n += len(conns)
	}
	return n
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.cancel()
}
