package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helphub/relay/log"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  time.Minute,
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	//accept from any origin: the push transport is meant for public
	//crisis-response web clients, not same-origin browser apps
	CheckOrigin: func(r *http.Request) bool { return true },
}

//Listener is the HTTP server hosting the static web client and the
//websocket upgrade endpoint
type Listener struct {
	server   *http.Server
	registry Registry
}

//New builds a Listener bound to host:port. webAppDir is served at "/";
//"/v1" upgrades to the push transport.
func New(host string, port uint, webAppDir string, registry Registry) *Listener {
	mux := http.NewServeMux()

	l := &Listener{registry: registry}

	mux.Handle("/", http.FileServer(http.Dir(webAppDir)))
	mux.HandleFunc("/v1", l.handleUpgrade)

	l.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}

	return l
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Get().Warnf("upgrading connection to push transport failed: %s", err.Error())
		return
	}

	session := newSession(conn, l.registry)
	go session.serve()
}

//Serve runs the HTTP server until it is shut down. Meant to be run in
//its own goroutine.
func (l *Listener) Serve() {
	log.Get().Infof("push listener accepting connections on %s", l.server.Addr)

	if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Get().Errorf("push listener closed with an error: %s", err.Error())
	}
}

//Shutdown gracefully stops the HTTP server
func (l *Listener) Shutdown(ctx context.Context) error {
	l.server.SetKeepAlivesEnabled(false)
	return l.server.Shutdown(ctx)
}
