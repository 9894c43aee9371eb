// Package envelope defines the messages exchanged between the coordinator and
// its workers over the supervisor bus.
//
// Outbound (coordinator to worker) traffic is an Envelope addressed by Target.
// Inbound (worker to coordinator) traffic reaches the coordinator as a Packet,
// which the supervisor tags with the originating process. Both directions carry
// a Data payload whose "event" field names the application event.
package envelope

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
)

// MsgType is the bus tag that distinguishes worker traffic from other bus events.
const MsgType = "process:msg"

// EventKey is the Data field holding the event name.
const EventKey = "event"

// maxLineSize bounds a single JSON line on a worker channel.
const maxLineSize = 4 << 20

// ErrMissingField is returned when an envelope lacks a required field.
var ErrMissingField = errors.New("missing envelope field")

// Data is an event payload. It always carries the event name under EventKey
// once it has been emitted; any other fields are application-defined.
type Data map[string]any

// Event returns the event name, or "" when absent.
func (d Data) Event() string {
	if d == nil {
		return ""
	}
	s, _ := d[EventKey].(string)
	return s
}

// Clone returns a shallow copy of d. A nil Data clones to an empty map.
func (d Data) Clone() Data {
	out := make(Data, len(d)+1)
	maps.Copy(out, d)
	return out
}

// WithEvent returns a copy of d with the event field set.
func (d Data) WithEvent(event string) Data {
	out := d.Clone()
	out[EventKey] = event
	return out
}

// Int reads a numeric field. JSON numbers decode as float64, so both integer
// and float representations are accepted.
func (d Data) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// String reads a string field.
func (d Data) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Envelope is an outbound message addressed to one worker.
type Envelope struct {
	Target Target `json:"id"`
	Data   Data   `json:"data"`
	Topic  bool   `json:"topic"`
	Type   string `json:"type"`
}

// Validate reports a missing target or payload.
func (e Envelope) Validate() error {
	if e.Target.IsZero() {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if e.Data == nil {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	return nil
}

// Normalize forces the protocol fields every sent envelope must carry.
func (e Envelope) Normalize() Envelope {
	e.Topic = true
	e.Type = MsgType
	return e
}

// Addressed returns a copy of e re-targeted at t.
func (e Envelope) Addressed(t Target) Envelope {
	e.Target = t
	return e
}

// ProcessRef identifies the process a packet came from.
type ProcessRef struct {
	Name string `json:"name"`
	ID   int    `json:"pm_id"`
}

// Packet is an inbound bus message tagged by the supervisor with its origin.
type Packet struct {
	Process ProcessRef `json:"process"`
	Data    Data       `json:"data"`
	Type    string     `json:"type"`
}

// Message is what a worker writes to its outbound channel. The supervisor
// wraps it into a Packet.
type Message struct {
	Type string `json:"type"`
	Data Data   `json:"data"`
}

// WriteLine encodes v as a single JSON line.
func WriteLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// NewLineScanner returns a scanner over JSON lines with a buffer large enough
// for typical payloads.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return s
}

// DecodeMessage parses one line written by a worker.
func DecodeMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if m.Type != MsgType {
		return Message{}, fmt.Errorf("decoding message: unexpected type %q", m.Type)
	}
	return m, nil
}

// DecodeEnvelope parses one line delivered to a worker.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Data == nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w: data", ErrMissingField)
	}
	return e, nil
}
