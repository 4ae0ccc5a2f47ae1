// Package wire defines the JSON envelopes of the tasksync realtime protocol.
// Both the client transport and the reference devserver import these, so the
// two ends cannot drift apart.
package wire

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Frame types, client -> server.
const (
	TypeJoin  = "channel.join"
	TypeLeave = "channel.leave"
	TypePing  = "ping"
)

// Frame types, server -> client.
const (
	TypeJoined = "channel.joined"
	TypeChange = "change"
	TypePong   = "pong"
	TypeError  = "error"
)

// Change events carried by a TypeChange frame. EventAny in a Filter matches all of them.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventAny    = "*"
)

// Filter scopes a change-notification channel to rows of one table,
// optionally narrowed to rows whose Column equals Value.
type Filter struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
	Event  string `json:"event,omitempty"`
}

// Matches reports whether a change on table with the given event and record
// (a JSON object) falls inside the filter.
func (f Filter) Matches(table, event string, record json.RawMessage) bool {
	if f.Table != table {
		return false
	}
	if f.Event != "" && f.Event != EventAny && f.Event != event {
		return false
	}
	if f.Column == "" {
		return true
	}
	v := gjson.GetBytes(record, f.Column)
	return v.Exists() && v.String() == f.Value
}

// String renders the filter in the table:column=value form used in logs.
func (f Filter) String() string {
	s := f.Table
	if f.Column != "" {
		s += ":" + f.Column + "=" + f.Value
	}
	if f.Event != "" && f.Event != EventAny {
		s += "@" + f.Event
	}
	return s
}

// Envelope is the frame format for every realtime message in both directions.
// Only the fields relevant to Type are populated.
type Envelope struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Filter  *Filter         `json:"filter,omitempty"`
	Table   string          `json:"table,omitempty"`
	Event   string          `json:"event,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Route reads the routing fields of a JSON frame without decoding it.
func Route(raw []byte) (typ, ref string) {
	r := gjson.GetManyBytes(raw, "type", "ref")
	return r[0].String(), r[1].String()
}

// Change extracts the payload of a TypeChange frame.
func Change(raw []byte) (table, event string, record json.RawMessage) {
	r := gjson.GetManyBytes(raw, "table", "event", "record")
	if r[2].Exists() {
		record = json.RawMessage(r[2].Raw)
	}
	return r[0].String(), r[1].String(), record
}

// ChangeNotification is the body of a signed webhook push. It carries the same
// information as a TypeChange envelope, minus the channel ref.
type ChangeNotification struct {
	Source    string          `json:"source"`
	Table     string          `json:"table"`
	Event     string          `json:"event"`
	Record    json.RawMessage `json:"record"`
	Timestamp int64           `json:"timestamp"`
}

// NotificationSource identifies webhook bodies produced by a tasksync backend.
const NotificationSource = "tasksync"

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Tasksync-Signature"
