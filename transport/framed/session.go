// Package framed implements the encrypted, newline-delimited
// framed-stream transport used by programmatic clients: one TLS
// connection per identity, one wire.Record per line.
package framed

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/helphub/relay/log"
	"github.com/helphub/relay/routing"
	"github.com/helphub/relay/wire"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

//Session wraps a single framed-stream connection. It implements
//routing.Sink so the registry can address it directly once bound.
type Session struct {
	conn       net.Conn
	identity   string
	sendBuffer chan wire.Record

	registry Registry

	closeOnce sync.Once
}

//Registry is the subset of *routing.Registry a session needs, kept
//narrow so session code only depends on what it calls
type Registry interface {
	Register(sink routing.Sink) error
	Unregister(sink routing.Sink)
	FlushPending(sink routing.Sink) error
	Route(rec wire.Record) error
	HandleAck(ack wire.Record) error
	Touch(identity string) error
}

func newSession(conn net.Conn, registry Registry) *Session {
	return &Session{
		conn:       conn,
		sendBuffer: make(chan wire.Record, sendBufferSize),
		registry:   registry,
	}
}

//Identity returns the bound identity, empty until the client's plain
//identity line has been read
func (s *Session) Identity() string { return s.identity }

//RemoteAddr reports the underlying TCP peer address
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

//Transport identifies this sink to the registry as framed-stream, the
//only transport the reliability sweep acts on
func (s *Session) Transport() string { return routing.TransportFramed }

//Send enqueues rec for delivery on this session's writer goroutine.
//Never blocks the caller: when the send buffer is full the record is
//refused with an error and the session stays connected.
func (s *Session) Send(rec wire.Record) error {
	select {
	case s.sendBuffer <- rec:
		return nil
	default:
		return fmt.Errorf("session %s send buffer full", s.identity)
	}
}

//Close shuts down the underlying connection exactly once
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

//serve runs the session to completion: read the plain identity line,
//register, flush anything waiting, then run the write loop in its own
//goroutine alongside the read loop (each line from here on is a parsed
//wire.Record) until the read loop gives up.
func (s *Session) serve(idleTimeout time.Duration) {
	reader := bufio.NewReader(s.conn)

	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Get().Debugf("framed session from %s failed to send its identity: %s", s.RemoteAddr(), err.Error())
		s.conn.Close()
		return
	}

	identity := strings.TrimRight(line, "\r\n")
	if identity == "" {
		log.Get().Debugf("framed session from %s sent an empty identity line", s.RemoteAddr())
		s.writeLine(wire.NewError("identity must not be empty").ToWire())
		s.conn.Close()
		return
	}

	s.identity = identity
	if err := s.registry.Register(s); err != nil {
		log.Get().Infof("framed session rejected, identity %s already taken", s.identity)
		s.writeLine(wire.NewError("identity already taken").ToWire())
		s.conn.Close()
		return
	}

	defer func() {
		s.registry.Unregister(s)
		s.Close()
	}()

	if err := s.registry.FlushPending(s); err != nil {
		log.Get().Warnf("failed to flush pending records for %s: %s", s.identity, err.Error())
	}

	go s.watchWrites()
	s.watchReads(reader, idleTimeout)
}

func (s *Session) watchReads(reader *bufio.Reader, idleTimeout time.Duration) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Get().Debugf("framed session %s read loop ending: %s", s.identity, err.Error())
			return
		}

		rec, ok := wire.FromWire(line)
		if !ok {
			s.Send(wire.NewError("malformed record"))
			continue
		}

		if err := s.handleIncoming(rec); err != nil {
			log.Get().Warnf("failed to route record from %s: %s", s.identity, err.Error())
		}
	}
}

func (s *Session) handleIncoming(rec wire.Record) error {
	if err := s.registry.Touch(s.identity); err != nil {
		log.Get().Warnf("failed to refresh activity for %s: %s", s.identity, err.Error())
	}

	switch rec.Kind {
	case wire.Heartbeat:
		return nil
	case wire.Ack:
		return s.registry.HandleAck(rec)
	default:
		rec.From = s.identity
		return s.registry.Route(rec)
	}
}

func (s *Session) watchWrites() {
	for rec := range s.sendBuffer {
		if err := s.writeLine(rec.ToWire()); err != nil {
			log.Get().Debugf("framed session %s write loop ending: %s", s.identity, err.Error())
			s.Close()
			return
		}
	}
}

func (s *Session) writeLine(line string) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := s.conn.Write([]byte(line + "\n"))
	return err
}
