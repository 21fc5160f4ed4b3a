// Package wire defines the single record type exchanged on every
// client-facing channel (framed-stream, push, and admin control-plane
// replies build on the same JSON shape) along with its textual codec.
package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

//Kind identifies what a Record represents
type Kind string

const (
	//Direct is addressed to exactly one identity
	Direct Kind = "DIRECT"
	//Broadcast has no recipient; delivered to every live session except the sender
	Broadcast Kind = "BROADCAST"
	//Status is used by the push transport for a pure-registration first frame
	Status Kind = "STATUS"
	//Ack acknowledges receipt of a prior record by id
	Ack Kind = "ACK"
	//Heartbeat refreshes a framed session's activity without carrying a payload
	Heartbeat Kind = "HEARTBEAT"
)

//Priority orders delivery within the durable queue. Higher values are
//delivered first
type Priority int

const (
	Low    Priority = 0
	Normal Priority = 1
	High   Priority = 2
)

//ParsePriority converts a wire-level integer into a Priority, defaulting
//to Normal for anything out of range
func ParsePriority(level int) Priority {
	switch Priority(level) {
	case Low, Normal, High:
		return Priority(level)
	default:
		return Normal
	}
}

//Record is the immutable unit of traffic and storage
type Record struct {
	ID        string
	Kind      Kind
	From      string
	To        string //empty means absent (broadcast or non-addressed kind)
	CreatedAt int64  //milliseconds since epoch
	Body      string
	Priority  Priority
}

//HasRecipient reports whether To is set
func (r Record) HasRecipient() bool {
	return r.To != ""
}

//NewAck builds an ACK record acknowledging ackedID, originated by from
func NewAck(from, ackedID string) Record {
	return Record{
		ID:        uuid.New().String(),
		Kind:      Ack,
		From:      from,
		CreatedAt: nowMillis(),
		Body:      ackedID,
		Priority:  Normal,
	}
}

//NewHeartbeat builds a HEARTBEAT record for from
func NewHeartbeat(from string) Record {
	return Record{
		ID:        uuid.New().String(),
		Kind:      Heartbeat,
		From:      from,
		CreatedAt: nowMillis(),
		Body:      "ping",
		Priority:  Normal,
	}
}

//NewError builds a transient, unstored error record sent directly to a
//rejected or misbehaving connection. It is never routed or persisted.
func NewError(body string) Record {
	return Record{
		ID:        uuid.New().String(),
		Kind:      "ERROR",
		CreatedAt: nowMillis(),
		Body:      body,
		Priority:  Normal,
	}
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

//ToWire serializes the record as a single line, without the trailing
//newline. Keys are emitted in a fixed order; body is quoted with
//backslash and double-quote escaped
func (r Record) ToWire() string {
	to := "null"
	if r.HasRecipient() {
		to = `"` + escapeString(r.To) + `"`
	}

	return fmt.Sprintf(
		`{"id":"%s","type":"%s","from":"%s","to":%s,"timestamp":%d,"body":"%s","priority":%d}`,
		escapeString(r.ID), r.Kind, escapeString(r.From), to, r.CreatedAt, escapeString(r.Body), r.Priority,
	)
}

func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

//FromWire parses a single wire line into a Record. Tolerant of missing
//id/timestamp/priority (server-assigned defaults are filled in); returns
//ok=false if type, from, or body are missing, or the line cannot be
//parsed as an object at all
func FromWire(line string) (rec Record, ok bool) {
	id, hasID := extractValue(line, "id")
	typeStr, hasType := extractValue(line, "type")
	from, hasFrom := extractValue(line, "from")
	to, hasTo := extractValue(line, "to")
	timestampStr, hasTimestamp := extractValue(line, "timestamp")
	body, hasBody := extractValue(line, "body")
	priorityStr, hasPriority := extractValue(line, "priority")

	if !hasType || !hasFrom || !hasBody {
		return Record{}, false
	}

	if !hasID || id == "" {
		id = "" //filled below
	}

	if hasTo && to == "null" {
		to = ""
		hasTo = false
	}

	var createdAt int64
	if hasTimestamp {
		ts, err := strconv.ParseInt(timestampStr, 10, 64)
		if err != nil {
			return Record{}, false
		}
		createdAt = ts
	} else {
		createdAt = nowMillis()
	}

	priority := Normal
	if hasPriority {
		level, err := strconv.Atoi(priorityStr)
		if err != nil {
			return Record{}, false
		}
		priority = ParsePriority(level)
	}

	if id == "" {
		id = uuid.New().String()
	}

	rec = Record{
		ID:        id,
		Kind:      Kind(typeStr),
		From:      from,
		CreatedAt: createdAt,
		Body:      unescapeString(body),
		Priority:  priority,
	}
	if hasTo {
		rec.To = unescapeString(to)
	}

	return rec, true
}

func unescapeString(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

//extractValue pulls a single top-level key's raw value out of a flat,
//single-line JSON-like object. Quoted values are unescaped-on-read by
//the caller; bare values (numbers, null) are returned as-is.
//This mirrors the tolerant, hand-rolled parsing the wire format
//requires: unknown fields are ignored, and a missing key simply comes
//back with ok=false.
func extractValue(line, key string) (value string, ok bool) {
	searchKey := `"` + key + `":`
	keyIndex := strings.Index(line, searchKey)
	if keyIndex == -1 {
		return "", false
	}

	valueStart := keyIndex + len(searchKey)
	if valueStart >= len(line) {
		return "", false
	}

	if line[valueStart] == '"' {
		end := valueStart + 1
		for end < len(line) {
			if line[end] == '"' && line[end-1] != '\\' {
				break
			}
			end++
		}
		if end >= len(line) {
			return "", false
		}
		return line[valueStart+1 : end], true
	}

	end := valueStart
	for end < len(line) && line[end] != ',' && line[end] != '}' {
		end++
	}
	return line[valueStart:end], true
}
