// Package journal records bridge traffic to a lode dataset.
//
// Each forwarded request, host reply and dropped request becomes one Record.
// Scripts and authorization tokens are never journaled: only the message
// kind, status code and payload size. Records are Hive-partitioned by day,
// sender and direction so a single tab's history can be listed cheaply.
package journal

import (
	"time"
)

// DatasetID is the lode dataset holding journal records.
const DatasetID = "jsendpraat_journal"

// Partition keys, in layout order.
var partitionKeys = []string{"day", "sender", "direction"}

// Direction is the flow a record describes.
type Direction string

const (
	// DirectionOut is a request written to the host.
	DirectionOut Direction = "out"
	// DirectionIn is a reply read from the host.
	DirectionIn Direction = "in"
	// DirectionDropped is a request that never reached the host.
	DirectionDropped Direction = "dropped"
)

// hostSender stands in for messages that belong to no sender, such as the
// handshake probe.
const hostSender = "_host"

// Record is one journaled message.
type Record struct {
	Time      time.Time `json:"time"`
	Session   string    `json:"session"`
	Sender    string    `json:"sender"`
	Direction Direction `json:"direction"`
	// Kind is the request kind or reply kind.
	Kind string `json:"kind"`
	// Code is the host status code, when the message carried one.
	Code *int `json:"code,omitempty"`
	// Detail is a short reason for dropped records or error text.
	Detail string `json:"detail,omitempty"`
	// Size is the payload size in bytes.
	Size int `json:"size"`
}

// Day returns the record's partition day (UTC).
func (r Record) Day() string {
	return r.Time.UTC().Format("2006-01-02")
}

func partitionSender(sender string) string {
	if sender == "" {
		return hostSender
	}
	return sender
}

// toMap converts r to the stored row, including partition fields.
func (r Record) toMap() map[string]any {
	m := map[string]any{
		"day":       r.Day(),
		"sender":    partitionSender(r.Sender),
		"direction": string(r.Direction),
		"time":      r.Time.UTC().Format(time.RFC3339Nano),
		"session":   r.Session,
		"kind":      r.Kind,
		"size":      r.Size,
	}
	if r.Code != nil {
		m["code"] = *r.Code
	}
	if r.Detail != "" {
		m["detail"] = r.Detail
	}
	return m
}

// recordFromMap parses a stored row. ok is false for rows that are not
// journal records.
func recordFromMap(m map[string]any) (Record, bool) {
	ts, ok := m["time"].(string)
	if !ok {
		return Record{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Record{}, false
	}

	r := Record{
		Time:      t,
		Session:   toString(m["session"]),
		Sender:    toString(m["sender"]),
		Direction: Direction(toString(m["direction"])),
		Kind:      toString(m["kind"]),
		Detail:    toString(m["detail"]),
		Size:      toInt(m["size"]),
	}
	if r.Sender == hostSender {
		r.Sender = ""
	}
	if _, present := m["code"]; present {
		code := toInt(m["code"])
		r.Code = &code
	}
	return r, true
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

// IntPtr returns a pointer to v, for Record.Code.
func IntPtr(v int) *int {
	return &v
}
