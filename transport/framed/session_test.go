package framed

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/helphub/relay/routing"
	"github.com/helphub/relay/wire"
)

type fakeRegistry struct {
	registered  []routing.Sink
	rejectNext  bool
	routed      []wire.Record
	acked       []wire.Record
	flushRecord *wire.Record
}

func (f *fakeRegistry) Register(sink routing.Sink) error {
	if f.rejectNext {
		return routing.ErrIdentityTaken
	}
	f.registered = append(f.registered, sink)
	return nil
}

func (f *fakeRegistry) Unregister(sink routing.Sink) {}

func (f *fakeRegistry) FlushPending(sink routing.Sink) error {
	if f.flushRecord != nil {
		return sink.Send(*f.flushRecord)
	}
	return nil
}

func (f *fakeRegistry) Route(rec wire.Record) error {
	f.routed = append(f.routed, rec)
	return nil
}

func (f *fakeRegistry) HandleAck(ack wire.Record) error {
	f.acked = append(f.acked, ack)
	return nil
}

func (f *fakeRegistry) Touch(identity string) error { return nil }

func TestSessionRegistersFromPlainIdentityLine(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := &fakeRegistry{}
	session := newSession(serverConn, reg)
	done := make(chan struct{})
	go func() {
		session.serve(time.Second)
		close(done)
	}()

	clientConn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Write([]byte("alpha\n")); err != nil {
		t.Fatalf("failed to write identity line: %s", err.Error())
	}

	//a record sent after the identity line is parsed and routed normally
	opening := wire.Record{ID: "o1", Kind: wire.Direct, From: "alpha", To: "bravo", CreatedAt: 1, Body: "hi", Priority: wire.Normal}
	if _, err := clientConn.Write([]byte(opening.ToWire() + "\n")); err != nil {
		t.Fatalf("failed to write opening record: %s", err.Error())
	}

	clientConn.Close()
	<-done

	if len(reg.registered) != 1 || reg.registered[0].Identity() != "alpha" {
		t.Fatalf("expected alpha to be registered, got %+v", reg.registered)
	}
	if len(reg.routed) != 1 || reg.routed[0].ID != "o1" {
		t.Fatalf("expected the record to be routed, got %+v", reg.routed)
	}
}

func TestSessionRejectsDuplicateIdentity(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := &fakeRegistry{rejectNext: true}
	session := newSession(serverConn, reg)
	done := make(chan struct{})
	go func() {
		session.serve(time.Second)
		close(done)
	}()

	clientConn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Write([]byte("alpha\n")); err != nil {
		t.Fatalf("failed to write identity line: %s", err.Error())
	}

	reader := bufio.NewReader(clientConn)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("expected an error record, got read error: %s", err.Error())
	}

	rec, ok := wire.FromWire(line)
	if !ok || rec.Kind != "ERROR" {
		t.Fatalf("expected an ERROR record, got %q", line)
	}

	<-done
}

func TestSessionFlushesPendingOnRegister(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	pending := wire.Record{ID: "p1", Kind: wire.Direct, From: "alpha", To: "bravo", CreatedAt: 1, Body: "waiting", Priority: wire.Normal}
	reg := &fakeRegistry{flushRecord: &pending}
	session := newSession(serverConn, reg)
	go session.serve(time.Second)

	clientConn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Write([]byte("bravo\n")); err != nil {
		t.Fatalf("failed to write identity line: %s", err.Error())
	}

	reader := bufio.NewReader(clientConn)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("expected to receive the flushed record: %s", err.Error())
	}

	rec, ok := wire.FromWire(line)
	if !ok || rec.ID != "p1" {
		t.Fatalf("expected flushed record p1, got %q", line)
	}

	clientConn.Close()
}

func TestSessionRejectsEmptyIdentityLine(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := &fakeRegistry{}
	session := newSession(serverConn, reg)
	done := make(chan struct{})
	go func() {
		session.serve(time.Second)
		close(done)
	}()

	clientConn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Write([]byte("\n")); err != nil {
		t.Fatalf("failed to write empty identity line: %s", err.Error())
	}

	reader := bufio.NewReader(clientConn)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("expected an error record, got read error: %s", err.Error())
	}

	rec, ok := wire.FromWire(line)
	if !ok || rec.Kind != "ERROR" {
		t.Fatalf("expected an ERROR record, got %q", line)
	}

	<-done
	if len(reg.registered) != 0 {
		t.Fatalf("expected no registration for an empty identity, got %+v", reg.registered)
	}
}
