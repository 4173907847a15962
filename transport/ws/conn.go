package ws

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/jilio/statesync"
)

// socket pumps frames between a websocket and the owning loop.
// Zero-length frames are pings.
type socket struct {
	ctx      context.Context
	cancel   context.CancelFunc
	ws       *websocket.Conn
	settings *Settings
	send     chan []byte
	name     string
}

func newSocket(ctx context.Context, ws *websocket.Conn, settings *Settings, name string) *socket {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &socket{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		name:     name,
	}
}

func (s *socket) frameType() int {
	if s.settings.Codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (s *socket) alive() bool {
	return s.ctx.Err() == nil
}

func (s *socket) enqueue(ctx context.Context, msg *statesync.Message) error {
	if !s.alive() {
		return statesync.ErrConnClosed
	}
	data, err := s.settings.Codec.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return statesync.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settings.WriteTimeout):
		return errSendTimeout
	}
}

func (s *socket) writePump() {
	defer s.ws.Close()
	defer s.cancel()

	frameType := s.frameType()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.ws.WriteMessage(frameType, data); err != nil {
				// a websocket write deadline cannot be recovered
				glog.Infof("[ws]%s-> error = %s\n", s.name, err)
				return
			}
			glog.V(2).Infof("[ws]%s->\n", s.name)
		case <-time.After(s.settings.PingTimeout):
			s.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.ws.WriteMessage(frameType, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// readPump decodes frames and hands them to deliver until the socket fails,
// the context ends or deliver returns false.
func (s *socket) readPump(deliver func(*statesync.Message) bool) {
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ws]%s<- error = %s\n", s.name, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			msg := &statesync.Message{}
			if err := s.settings.Codec.Unmarshal(data, msg); err != nil {
				glog.Infof("[ws]%s<- drop = %s\n", s.name, err)
				continue
			}
			if !deliver(msg) {
				return
			}
			glog.V(2).Infof("[ws]%s<- %s\n", s.name, msg.Kind)
		default:
			glog.V(2).Infof("[ws]%s<- other=%d\n", s.name, messageType)
		}
	}
}

// Conn is the primary's handle on one replica websocket.
type Conn struct {
	*socket
	id      string
	ownerID string
}

var _ statesync.Conn = (*Conn)(nil)

func newConn(ctx context.Context, ws *websocket.Conn, ownerID string, settings *Settings) *Conn {
	id := ulid.Make().String()
	return &Conn{
		socket:  newSocket(ctx, ws, settings, id),
		id:      id,
		ownerID: ownerID,
	}
}

// ID implements statesync.Conn.
func (c *Conn) ID() string { return c.id }

// OwnerID implements statesync.Conn.
func (c *Conn) OwnerID() string { return c.ownerID }

// Alive implements statesync.Conn.
func (c *Conn) Alive() bool { return c.alive() }

// Send implements statesync.Conn.
func (c *Conn) Send(ctx context.Context, msg *statesync.Message) error {
	return c.enqueue(ctx, msg)
}
