package admin

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

//Console runs an interactive stats/clients/pending/tail command loop
//over in, writing formatted output to out. Meant for the operator
//running the server process directly, distinct from the password-gated
//TCP control-plane used by the dashboard client.
type Console struct {
	registry Registry
	q        Queue
	tailLog  func(n int) ([]string, error)
}

//NewConsole builds a Console. tailLog may be nil if no message log
//file is configured; /tail then reports that no log is available.
func NewConsole(registry Registry, q Queue, tailLog func(n int) ([]string, error)) *Console {
	return &Console{registry: registry, q: q, tailLog: tailLog}
}

//Run reads commands from in until EOF, writing results to out. Meant
//to be run in its own goroutine against os.Stdin/os.Stdout.
func (c *Console) Run(in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Admin console started. Type 'help' for a list of commands.")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		command := strings.ToLower(strings.TrimPrefix(parts[0], "/"))

		switch command {
		case "stats":
			c.handleStats(out)
		case "clients":
			c.handleClients(out)
		case "pending":
			if len(parts) > 1 {
				c.handlePending(out, parts[1])
			} else {
				fmt.Fprintln(out, "Usage: /pending <clientId>")
			}
		case "tail":
			count := 10
			if len(parts) > 1 {
				if n, err := strconv.Atoi(parts[1]); err == nil {
					count = n
				}
			}
			c.handleTail(out, count)
		case "help":
			c.printHelp(out)
		default:
			fmt.Fprintln(out, "Unknown command. Type 'help' for a list of commands.")
		}
	}
}

func (c *Console) printHelp(out io.Writer) {
	fmt.Fprintln(out, "\n--- HelpHub Admin Console Commands ---")
	fmt.Fprintln(out, " /stats                  - Show server statistics.")
	fmt.Fprintln(out, " /clients                - List all currently connected clients.")
	fmt.Fprintln(out, " /pending <clientId>     - List pending messages for a specific client.")
	fmt.Fprintln(out, " /tail <n>               - Show the last <n> lines of the message log file.")
	fmt.Fprintln(out, " help                    - Show this help message.")
	fmt.Fprintln(out, "--------------------------------------")
}

func (c *Console) handleStats(out io.Writer) {
	pendingCount, err := c.q.PendingCount()
	if err != nil {
		pendingCount = -1
	}
	totalCount, err := c.q.TotalCount()
	if err != nil {
		totalCount = -1
	}

	fmt.Fprintln(out, "\n--- Server Statistics ---")
	fmt.Fprintf(out, " Online Clients: %d\n", len(c.registry.LiveIdentities()))
	fmt.Fprintf(out, " Pending Messages: %d\n", pendingCount)
	fmt.Fprintf(out, " Total Messages Stored: %d\n", totalCount)
	fmt.Fprintln(out, "-------------------------")
}

func (c *Console) handleClients(out io.Writer) {
	live := c.registry.LiveIdentities()

	fmt.Fprintf(out, "\n--- Online Clients (%d) ---\n", len(live))
	if len(live) == 0 {
		fmt.Fprintln(out, " No clients are currently connected.")
	} else {
		fmt.Fprintf(out, " %-20s | %-15s\n", "Client ID", "Last Activity")
		fmt.Fprintln(out, "----------------------------------------")
		for _, identity := range live {
			lastSeen, ok, err := c.q.LastSeen(identity)
			activity := "unknown"
			if err == nil && ok {
				activity = time.UnixMilli(lastSeen).Format("15:04:05")
			}
			fmt.Fprintf(out, " %-20s | %-15s\n", identity, activity)
		}
	}
	fmt.Fprintln(out, "----------------------------------------")
}

func (c *Console) handlePending(out io.Writer, identity string) {
	pending, err := c.q.PendingFor(identity)
	if err != nil {
		fmt.Fprintf(out, "Failed to look up pending messages: %s\n", err.Error())
		return
	}

	fmt.Fprintf(out, "\n--- Pending Messages for '%s' (%d) ---\n", identity, len(pending))
	if len(pending) == 0 {
		fmt.Fprintln(out, " No pending messages for this client.")
		return
	}
	for _, rec := range pending {
		fmt.Fprintf(out, "  From: %-15s | Prio: %-6d | Body: %s\n", rec.From, int(rec.Priority), rec.Body)
	}
}

func (c *Console) handleTail(out io.Writer, count int) {
	if c.tailLog == nil {
		fmt.Fprintln(out, "No message log file is configured.")
		return
	}

	lines, err := c.tailLog(count)
	if err != nil {
		fmt.Fprintf(out, "Failed to read message log: %s\n", err.Error())
		return
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
}
