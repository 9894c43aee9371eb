package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type targetKind uint8

const (
	targetNone targetKind = iota
	targetName
	targetID
)

// Target addresses a worker either by process name or by the supervisor's
// numeric id. The zero Target addresses nothing.
type Target struct {
	kind targetKind
	name string
	id   int
}

// ByName addresses a worker by process name. An empty name yields the zero Target.
func ByName(name string) Target {
	if name == "" {
		return Target{}
	}
	return Target{kind: targetName, name: name}
}

// ByID addresses a worker by numeric process id.
func ByID(id int) Target {
	return Target{kind: targetID, id: id}
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool { return t.kind == targetNone }

// Name returns the process name when the target is name-based.
func (t Target) Name() (string, bool) { return t.name, t.kind == targetName }

// ID returns the numeric id when the target is id-based.
func (t Target) ID() (int, bool) { return t.id, t.kind == targetID }

func (t Target) String() string {
	switch t.kind {
	case targetName:
		return t.name
	case targetID:
		return "#" + strconv.Itoa(t.id)
	default:
		return "<none>"
	}
}

// MarshalJSON writes a name as a JSON string and an id as a JSON number.
func (t Target) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case targetName:
		return json.Marshal(t.name)
	case targetID:
		return []byte(strconv.Itoa(t.id)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON string, an integral JSON number or null.
func (t *Target) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = Target{}
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = ByName(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("target must be a string or number: %w", err)
		}
		id, err := n.Int64()
		if err != nil {
			return fmt.Errorf("target id must be an integer: %w", err)
		}
		*t = ByID(int(id))
		return nil
	}
}
