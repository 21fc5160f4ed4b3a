// Package admin implements the server's two operator surfaces: a
// password-gated TCP control-plane for the dashboard client, and an
// interactive stdin console for the operator running the process
// directly.
package admin

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helphub/relay/log"
	"github.com/helphub/relay/wire"
)

//authFailedResponse is the literal response sent when the password
//line does not match
const authFailedResponse = "ERROR:AUTH_FAILED"

//adminIdentity is the from-identity stamped on every ADMIN_BROADCAST record
const adminIdentity = "_admin_"

//Registry is the subset of *routing.Registry the control-plane needs
type Registry interface {
	LiveIdentities() []string
	Route(rec wire.Record) error
	ForceDisconnect(identity string) bool
}

//Queue is the subset of *queue.Queue the control-plane needs
type Queue interface {
	PendingCount() (int, error)
	TotalCount() (int, error)
	PendingFor(identity string) ([]wire.Record, error)
	IdentitiesWithPendingDirect() ([]string, error)
	LastSeen(identity string) (int64, bool, error)
}

//ControlPlane is the password-gated TCP listener used by the
//dashboard client
type ControlPlane struct {
	net      net.Listener
	password string
	registry Registry
	q        Queue
}

//Listen opens the control-plane listener on host:port, gated by
//password
func Listen(host string, port uint, password string, registry Registry, q Queue) (*ControlPlane, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin control-plane listener on %s: %w", addr, err)
	}

	return &ControlPlane{net: ln, password: password, registry: registry, q: q}, nil
}

//Serve accepts connections until the listener is closed. Meant to be
//run in its own goroutine.
func (c *ControlPlane) Serve() {
	log.Get().Infof("admin control-plane listening on %s", c.net.Addr().String())

	for {
		conn, err := c.net.Accept()
		if err != nil {
			log.Get().Infof("admin control-plane listener closed: %s", err.Error())
			return
		}

		go c.handle(conn)
	}
}

//Close stops accepting new connections
func (c *ControlPlane) Close() error {
	return c.net.Close()
}

func (c *ControlPlane) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)

	password, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	password = strings.TrimRight(password, "\r\n")

	if c.password == "" || password != c.password {
		fmt.Fprintln(conn, authFailedResponse)
		return
	}

	command, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	command = strings.TrimRight(command, "\r\n")

	response := c.dispatch(command)
	fmt.Fprintln(conn, response)
}

func (c *ControlPlane) dispatch(command string) string {
	parts := strings.SplitN(command, " ", 2)
	verb := parts[0]

	switch verb {
	case "GET_DATA":
		return c.getData()
	case "GET_PENDING":
		if len(parts) < 2 || parts[1] == "" {
			return "ERROR:MISSING_CLIENT_ID"
		}
		return c.getPending(parts[1])
	case "ADMIN_BROADCAST":
		if len(parts) < 2 || parts[1] == "" {
			return "ERROR:MISSING_BODY"
		}
		return c.adminBroadcast(parts[1])
	case "ADMIN_KICK":
		if len(parts) < 2 || parts[1] == "" {
			return "ERROR:MISSING_CLIENT_ID"
		}
		return c.adminKick(parts[1])
	default:
		return "ERROR:UNKNOWN_COMMAND"
	}
}

func (c *ControlPlane) getData() string {
	live := c.registry.LiveIdentities()
	sort.Strings(live)

	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	pendingCount, err := c.q.PendingCount()
	if err != nil {
		log.Get().Warnf("admin GET_DATA failed to count pending records: %s", err.Error())
	}

	var clients []string
	for _, id := range live {
		lastSeen, ok, err := c.q.LastSeen(id)
		if err != nil || !ok {
			continue
		}
		clients = append(clients, fmt.Sprintf(`{"clientId":"%s","lastSeen":%d}`, escapeJSON(id), lastSeen))
	}

	withPending, err := c.q.IdentitiesWithPendingDirect()
	if err != nil {
		log.Get().Warnf("admin GET_DATA failed to list identities with pending records: %s", err.Error())
	}
	var offlineWithPending []string
	for _, id := range withPending {
		if !liveSet[id] {
			offlineWithPending = append(offlineWithPending, fmt.Sprintf(`"%s"`, escapeJSON(id)))
		}
	}

	return fmt.Sprintf(
		`{"stats":{"onlineClients":%d,"pendingMessages":%d},"clients":[%s],"clientsWithPending":[%s]}`,
		len(live), pendingCount, strings.Join(clients, ","), strings.Join(offlineWithPending, ","),
	)
}

func (c *ControlPlane) getPending(identity string) string {
	pending, err := c.q.PendingFor(identity)
	if err != nil {
		log.Get().Warnf("admin GET_PENDING failed for %s: %s", identity, err.Error())
		return "[]"
	}

	entries := make([]string, 0, len(pending))
	for _, rec := range pending {
		entries = append(entries, fmt.Sprintf(
			`{"from":"%s","priority":"%s","body":"%s"}`,
			escapeJSON(rec.From), strconv.Itoa(int(rec.Priority)), escapeJSON(rec.Body),
		))
	}

	return "[" + strings.Join(entries, ",") + "]"
}

func (c *ControlPlane) adminBroadcast(body string) string {
	rec := wire.Record{
		ID:        uuid.New().String(),
		Kind:      wire.Broadcast,
		From:      adminIdentity,
		CreatedAt: time.Now().UnixNano() / int64(time.Millisecond),
		Body:      body,
		Priority:  wire.High,
	}

	if err := c.registry.Route(rec); err != nil {
		log.Get().Warnf("admin broadcast failed: %s", err.Error())
		return "ERROR:BROADCAST_FAILED"
	}
	return "OK"
}

func (c *ControlPlane) adminKick(identity string) string {
	if c.registry.ForceDisconnect(identity) {
		return "OK"
	}
	return "NOT_FOUND"
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
