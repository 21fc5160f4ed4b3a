package framed

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/helphub/relay/log"
)

//Listener accepts encrypted framed-stream connections and spawns one
//Session per accepted connection
type Listener struct {
	net      net.Listener
	registry Registry
	idle     time.Duration
}

//Listen opens a TLS listener on host:port using the keystore at
//keystorePath and returns a Listener ready for Serve. idleTimeout
//bounds how long a session may go without sending a record before its
//read deadline expires.
func Listen(host string, port uint, keystorePath string, idleTimeout time.Duration, registry Registry) (*Listener, error) {
	cert, err := LoadKeystore(keystorePath)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open framed-stream listener on %s: %w", addr, err)
	}

	return &Listener{net: ln, registry: registry, idle: idleTimeout}, nil
}

//Serve accepts connections until the listener is closed. Meant to be
//run in its own goroutine.
func (l *Listener) Serve() {
	log.Get().Infof("framed-stream listener accepting connections on %s", l.net.Addr().String())

	for {
		conn, err := l.net.Accept()
		if err != nil {
			log.Get().Infof("framed-stream listener closed: %s", err.Error())
			return
		}

		session := newSession(conn, l.registry)
		go session.serve(l.idle)
	}
}

//Close stops accepting new connections
func (l *Listener) Close() error {
	return l.net.Close()
}
