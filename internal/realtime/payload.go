// Package realtime models change-feed payloads: one envelope per remote row
// mutation, with the row snapshots decoded into typed model rows by table.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"trellosync/internal/model"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

func (e EventType) Valid() bool {
	switch e {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrBadPayload   = errors.New("bad realtime payload")
)

// Payload is a decoded change event. New is nil for DELETE, Old is nil for
// INSERT; for DELETE, Old may carry only the id.
type Payload struct {
	CommitTimestamp time.Time
	EventType       EventType
	New             model.Row
	Old             model.Row
	Schema          string
	Table           model.Table
}

// ID returns the id of the row the event is about.
func (p Payload) ID() string {
	if p.New != nil && p.New.RowID() != "" {
		return p.New.RowID()
	}
	if p.Old != nil {
		return p.Old.RowID()
	}
	return ""
}

// Row returns the most recent snapshot carried by the event.
func (p Payload) Row() model.Row {
	if p.New != nil {
		return p.New
	}
	return p.Old
}

func (p Payload) String() string {
	return fmt.Sprintf("%s %s/%s@%s", p.EventType, p.Table, p.ID(), p.CommitTimestamp.Format(time.RFC3339Nano))
}

type wirePayload struct {
	CommitTimestamp string          `json:"commit_timestamp"`
	EventType       EventType       `json:"eventType"`
	New             json.RawMessage `json:"new"`
	Old             json.RawMessage `json:"old"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
}

// ParseTimestamp accepts the ISO forms emitted by Postgres and realtime servers.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: commit_timestamp %q", ErrBadPayload, s)
}

// Decode parses one JSON envelope, resolving new/old through the table registry.
func Decode(data []byte) (Payload, error) {
	var w wirePayload
	if err := sonic.Unmarshal(data, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if !w.EventType.Valid() {
		return Payload{}, fmt.Errorf("%w: event type %q", ErrBadPayload, w.EventType)
	}
	table, dec, err := Lookup(w.Table)
	if err != nil {
		return Payload{}, err
	}
	ts, err := ParseTimestamp(w.CommitTimestamp)
	if err != nil {
		return Payload{}, err
	}
	p := Payload{CommitTimestamp: ts, EventType: w.EventType, Schema: w.Schema, Table: table}
	if !emptyRow(w.New) {
		if p.New, err = dec(w.New); err != nil {
			return Payload{}, fmt.Errorf("%w: new: %v", ErrBadPayload, err)
		}
	}
	if !emptyRow(w.Old) {
		if p.Old, err = dec(w.Old); err != nil {
			return Payload{}, fmt.Errorf("%w: old: %v", ErrBadPayload, err)
		}
	}
	if p.ID() == "" {
		return Payload{}, fmt.Errorf("%w: %s event without row id", ErrBadPayload, p.EventType)
	}
	return p, nil
}

// Encode renders p in the wire shape Decode accepts.
func Encode(p Payload) ([]byte, error) {
	w := wirePayload{
		CommitTimestamp: p.CommitTimestamp.UTC().Format(time.RFC3339Nano),
		EventType:       p.EventType,
		Schema:          p.Schema,
		Table:           string(p.Table),
		New:             json.RawMessage("{}"),
		Old:             json.RawMessage("{}"),
	}
	if p.New != nil {
		b, err := sonic.Marshal(p.New)
		if err != nil {
			return nil, err
		}
		w.New = b
	}
	if p.Old != nil {
		b, err := sonic.Marshal(p.Old)
		if err != nil {
			return nil, err
		}
		w.Old = b
	}
	return sonic.Marshal(w)
}

func emptyRow(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "{}"
}
