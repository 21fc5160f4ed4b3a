// Package push implements the browser-facing push transport: a
// plaintext HTTP server that serves the web client's static assets
// and upgrades a single path to a websocket carrying wire.Record
// frames, one registration frame per connection.
package push

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helphub/relay/log"
	"github.com/helphub/relay/routing"
	"github.com/helphub/relay/wire"
)

const (
	readWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	pingInterval   = (readWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

//Registry is the subset of *routing.Registry a session needs
type Registry interface {
	Register(sink routing.Sink) error
	Unregister(sink routing.Sink)
	FlushPending(sink routing.Sink) error
	Route(rec wire.Record) error
	HandleAck(ack wire.Record) error
	Touch(identity string) error
}

//Session wraps a single websocket connection. It implements
//routing.Sink once its first frame has bound an identity.
type Session struct {
	conn       *websocket.Conn
	identity   string
	sendBuffer chan wire.Record
	registry   Registry
}

func newSession(conn *websocket.Conn, registry Registry) *Session {
	return &Session{
		conn:       conn,
		sendBuffer: make(chan wire.Record, sendBufferSize),
		registry:   registry,
	}
}

//Identity returns the bound identity, empty until registration completes
func (s *Session) Identity() string { return s.identity }

//RemoteAddr reports the underlying peer address
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

//Transport identifies this sink to the registry as push, which the
//reliability sweep never acts on: liveness here is the websocket's own
//close event, not an activity timeout
func (s *Session) Transport() string { return routing.TransportPush }

//Send enqueues rec for delivery on the writer goroutine
func (s *Session) Send(rec wire.Record) error {
	select {
	case s.sendBuffer <- rec:
		return nil
	default:
		return fmt.Errorf("session %s send buffer full", s.identity)
	}
}

//Close shuts down the underlying websocket connection
func (s *Session) Close() error {
	return s.conn.Close()
}

//serve runs the session: the first frame registers the identity it
//carries, whatever its kind. A STATUS first frame is pure
//registration; a DIRECT or BROADCAST first frame is registered and
//then routed like any other record. A duplicate identity is signalled
//with an ERROR record and the connection is dropped.
func (s *Session) serve() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	_, message, err := s.conn.ReadMessage()
	if err != nil {
		log.Get().Debugf("push session from %s failed to register: %s", s.RemoteAddr(), err.Error())
		s.conn.Close()
		return
	}

	rec, ok := wire.FromWire(string(message))
	if !ok || rec.From == "" {
		log.Get().Debugf("push session from %s sent a malformed opening frame", s.RemoteAddr())
		s.writeError("malformed opening frame")
		s.conn.Close()
		return
	}

	s.identity = rec.From
	if err := s.registry.Register(s); err != nil {
		log.Get().Infof("push session rejected, identity %s already taken", s.identity)
		s.writeError("identity already taken")
		s.conn.Close()
		return
	}

	defer func() {
		s.registry.Unregister(s)
		s.conn.Close()
	}()

	if err := s.registry.FlushPending(s); err != nil {
		log.Get().Warnf("failed to flush pending records for %s: %s", s.identity, err.Error())
	}

	if rec.Kind != wire.Status {
		if err := s.registry.Touch(s.identity); err != nil {
			log.Get().Warnf("failed to refresh activity for %s: %s", s.identity, err.Error())
		}
		if err := s.handleIncoming(rec); err != nil {
			log.Get().Warnf("failed to handle opening record from %s: %s", s.identity, err.Error())
		}
	}

	go s.watchWrites()
	s.watchReads()
}

func (s *Session) watchReads() {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Get().Warnf("push session %s read error: %s", s.identity, err.Error())
			}
			return
		}

		rec, ok := wire.FromWire(string(message))
		if !ok {
			s.writeError("malformed record")
			continue
		}

		if err := s.registry.Touch(s.identity); err != nil {
			log.Get().Warnf("failed to refresh activity for %s: %s", s.identity, err.Error())
		}

		if err := s.handleIncoming(rec); err != nil {
			log.Get().Warnf("failed to handle record from %s: %s", s.identity, err.Error())
		}
	}
}

//handleIncoming dispatches rec by kind: ACK marks delivery,
//HEARTBEAT/STATUS need nothing beyond the activity refresh (Touch)
//already applied by the caller, anything else is a routable record
//addressed or broadcast by this identity.
func (s *Session) handleIncoming(rec wire.Record) error {
	switch rec.Kind {
	case wire.Ack:
		return s.registry.HandleAck(rec)
	case wire.Heartbeat, wire.Status:
		return nil
	default:
		rec.From = s.identity
		return s.registry.Route(rec)
	}
}

func (s *Session) watchWrites() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.sendBuffer:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(rec.ToWire())); err != nil {
				log.Get().Debugf("push session %s write loop ending: %s", s.identity, err.Error())
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeError(body string) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.TextMessage, []byte(wire.NewError(body).ToWire()))
}
