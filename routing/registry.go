// Package routing holds the live-identity registry: the in-memory
// table of currently connected sessions (framed or push, indifferent
// to the transport) used to route a record to its live recipients
// after persisting it to the durable queue, from which it is replayed
// to recipients that connect later.
package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/helphub/relay/log"
	"github.com/helphub/relay/queue"
	"github.com/helphub/relay/wire"
)

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

//ErrIdentityTaken is returned by Register when the identity is already
//bound to a live session, on either transport
var ErrIdentityTaken = errors.New("identity already taken")

//Transport names identify which listener owns a Sink, so the registry
//can answer transport-scoped questions like "which live identities are
//on the framed-stream transport" without either transport package
//needing to know about the other.
const (
	TransportFramed = "framed"
	TransportPush   = "push"
)

//Sink is anything that can accept a record for a single live identity.
//Both the framed-stream and push-socket sessions implement this so the
//registry can route to either transport uniformly.
type Sink interface {
	Identity() string
	RemoteAddr() string
	Transport() string
	Send(rec wire.Record) error
	Close() error
}

//Registry is the single live-identity table shared by every transport.
//All mutating operations are serialized through mu, matching a single
//short critical section per call.
type Registry struct {
	mu    sync.Mutex
	sinks map[string]Sink
	q     *queue.Queue
}

//New builds a Registry backed by q for pending-record storage and
//fallback delivery
func New(q *queue.Queue) *Registry {
	return &Registry{
		sinks: make(map[string]Sink),
		q:     q,
	}
}

//IsTaken reports whether identity currently has a live sink on any
//transport
func (r *Registry) IsTaken(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sinks[identity]
	return ok
}

//LiveIdentities returns every identity with a live sink, across both
//transports, for the admin control-plane's online-clients views
func (r *Registry) LiveIdentities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	identities := make([]string, 0, len(r.sinks))
	for identity := range r.sinks {
		identities = append(identities, identity)
	}
	return identities
}

//FramedIdentities returns every identity whose live sink is on the
//framed-stream transport, for the reliability sweep, which is scoped
//to that transport alone: push sessions rely on the transport's own
//close events, not on an activity timeout.
func (r *Registry) FramedIdentities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var identities []string
	for identity, sink := range r.sinks {
		if sink.Transport() == TransportFramed {
			identities = append(identities, identity)
		}
	}
	return identities
}

//Register binds sink to its identity. Returns ErrIdentityTaken if the
//identity is already live.
func (r *Registry) Register(sink Sink) error {
	identity := sink.Identity()

	r.mu.Lock()
	if _, ok := r.sinks[identity]; ok {
		r.mu.Unlock()
		return ErrIdentityTaken
	}
	r.sinks[identity] = sink
	r.mu.Unlock()

	log.Get().Infof("registered identity %s from %s", identity, sink.RemoteAddr())

	if err := r.q.UpsertLastSeen(identity, nowMillis()); err != nil {
		log.Get().Warnf("failed to record last-seen for %s: %s", identity, err.Error())
	}

	return nil
}

//Unregister removes identity's sink if it is still the one registered.
//Safe to call more than once.
func (r *Registry) Unregister(sink Sink) {
	identity := sink.Identity()

	r.mu.Lock()
	if current, ok := r.sinks[identity]; ok && current == sink {
		delete(r.sinks, identity)
	}
	r.mu.Unlock()

	log.Get().Infof("unregistered identity %s", identity)
}

//ForceDisconnect closes and removes the live sink for identity, if any.
//Reports whether a sink was found.
func (r *Registry) ForceDisconnect(identity string) bool {
	r.mu.Lock()
	sink, ok := r.sinks[identity]
	if ok {
		delete(r.sinks, identity)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := sink.Close(); err != nil {
		log.Get().Warnf("error closing forcibly disconnected sink %s: %s", identity, err.Error())
	}
	return true
}

//Route delivers rec to a live recipient immediately when possible,
//and always persists it to the durable queue first so a crash between
//persistence and delivery never loses the record. Direct records stay
//PENDING until the recipient acknowledges them; broadcasts are
//persisted once and replayed to every live session except the sender
//until any one of them acknowledges.
func (r *Registry) Route(rec wire.Record) error {
	if err := r.q.Store(rec); err != nil {
		return err
	}

	if rec.HasRecipient() {
		r.mu.Lock()
		sink, ok := r.sinks[rec.To]
		r.mu.Unlock()

		if ok {
			if err := sink.Send(rec); err != nil {
				log.Get().Warnf("failed to deliver record %s to %s: %s", rec.ID, rec.To, err.Error())
			}
		}
		return nil
	}

	r.mu.Lock()
	recipients := make([]Sink, 0, len(r.sinks))
	for identity, sink := range r.sinks {
		if identity == rec.From {
			continue
		}
		recipients = append(recipients, sink)
	}
	r.mu.Unlock()

	for _, sink := range recipients {
		if err := sink.Send(rec); err != nil {
			log.Get().Warnf("failed to deliver broadcast %s to %s: %s", rec.ID, sink.Identity(), err.Error())
		}
	}

	return nil
}

//FlushPending delivers every record waiting for identity — both
//records addressed directly to it and broadcasts from other identities
//that no one has acknowledged yet — over sink, in a single
//priority/age-ordered list.
//Called immediately after a successful Register so a reconnecting
//identity catches up without waiting for the next Route call.
func (r *Registry) FlushPending(sink Sink) error {
	pending, err := r.q.PendingFor(sink.Identity())
	if err != nil {
		return err
	}

	for _, rec := range pending {
		if err := sink.Send(rec); err != nil {
			return err
		}
	}

	return nil
}

//HandleAck marks the record named by ack.Body as delivered. For a
//direct record this simply retires it; for a broadcast this is the
//first-ack-wins signal that stops the record from being replayed to
//any other identity that connects later.
func (r *Registry) HandleAck(ack wire.Record) error {
	return r.q.MarkDelivered(ack.Body)
}

//Touch refreshes identity's last-seen timestamp. Sessions call this on
//every incoming frame, including heartbeats, so the reliability sweep
//only disconnects sessions that have gone genuinely quiet.
func (r *Registry) Touch(identity string) error {
	return r.q.UpsertLastSeen(identity, nowMillis())
}
