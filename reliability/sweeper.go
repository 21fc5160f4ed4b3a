// Package reliability runs the periodic zombie sweep: identities whose
// live session has gone quiet past the configured timeout are force
// disconnected so a stale registration never blocks a legitimate
// reconnect.
package reliability

import (
	"sync"
	"time"

	"github.com/helphub/relay/log"
)

//Registry is the subset of *routing.Registry the sweeper needs
type Registry interface {
	ForceDisconnect(identity string) bool
	FramedIdentities() []string
}

//Queue is the subset of *queue.Queue the sweeper needs to find
//identities that have gone quiet
type Queue interface {
	StaleIdentities(olderThanMs int64) ([]string, error)
}

//Sweeper periodically disconnects identities that have not been seen
//within the configured timeout
type Sweeper struct {
	registry Registry
	q        Queue
	timeout  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

//New builds a Sweeper that runs every timeout interval, disconnecting
//any framed-stream identity last seen more than timeout ago
func New(registry Registry, q Queue, timeout time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		q:        q,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

//Start runs the sweep loop until Stop is called. Meant to be run in
//its own goroutine.
func (s *Sweeper) Start() {
	if s.timeout <= 0 {
		log.Get().Warn("reliability sweep interval was too small, sweeper disabled")
		return
	}

	ticker := time.NewTicker(s.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

//Stop ends the sweep loop
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

//sweep disconnects identities that are both stale in the shared
//last-seen table and currently live on the framed-stream transport.
//Push sessions are never swept here: a push session that never sends
//a frame still has a live websocket, and that connection's own close
//(or the ping/pong liveness check) is what ends it, not this timeout.
func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.timeout).UnixNano() / int64(time.Millisecond)

	stale, err := s.q.StaleIdentities(cutoff)
	if err != nil {
		log.Get().Warnf("reliability sweep failed to list stale identities: %s", err.Error())
		return
	}

	framed := make(map[string]bool, len(stale))
	for _, identity := range s.registry.FramedIdentities() {
		framed[identity] = true
	}

	for _, identity := range stale {
		if !framed[identity] {
			continue
		}
		if s.registry.ForceDisconnect(identity) {
			log.Get().Infof("reliability sweep disconnected stale framed identity %s", identity)
		}
	}
}
