// Package wire defines the JSON envelope format for diffs. An envelope
// is a flat map: "s" carries statics (first render or shape change
// only), numeric keys carry changed dynamic slots, "c" carries the
// component side table, "e" carries ordered server events, and "l"
// echoes the lock token of the client request the diff answers.
// Unchanged slots are omitted entirely; absence means "reuse the
// previous value at this index".
package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Envelope is the wire-format delta between two rendered trees.
//
// Slot values are one of: string (scalar), *Envelope (nested tree),
// *KeyedDiff (comprehension), float64/int (component id), or nil
// (slot collapsed to the absent region).
type Envelope struct {
	Statics     []string `json:"-"` // "s": present only on first render or shape change
	Fingerprint string   `json:"-"` // "f": shape hash, accompanies Statics
	Slots       map[int]any `json:"-"`

	Components map[int]*Envelope `json:"-"` // "c": component id -> diff
	Events     []Event           `json:"-"` // "e": applied after the DOM patch
	LockToken  string            `json:"-"` // "l": unlocks the matching client subtree
}

// Event is a server-pushed side-channel message delivered to the client
// after the patch from the same envelope has been applied.
type Event struct {
	Name    string
	Payload any
}

// KeyedDiff carries the keyed insert/update/delete operations for a
// comprehension slot. Entries present in both renders with unchanged
// content appear in neither Rows nor Removed; reordering without
// content change is expressed purely through Order.
type KeyedDiff struct {
	Statics     []string             // shared row statics, first emit or row shape change
	Fingerprint string               // shape hash of the row statics
	Order       []string             // full key order, present when membership or order changed
	Rows        map[string]*Envelope // per-key diff; new keys carry their full dynamics
	Removed     []string             // keys dropped since the previous render
}

// NewEnvelope returns an empty envelope.
func NewEnvelope() *Envelope {
	return &Envelope{Slots: make(map[int]any)}
}

// IsEmpty reports whether applying the envelope would change nothing.
func (e *Envelope) IsEmpty() bool {
	return len(e.Statics) == 0 && len(e.Slots) == 0 &&
		len(e.Components) == 0 && len(e.Events) == 0 && e.LockToken == ""
}

// HasStatics reports whether the envelope re-emits the static shape.
func (e *Envelope) HasStatics() bool { return len(e.Statics) > 0 }

// SlotIndexes returns the changed slot indexes in ascending order.
func (e *Envelope) SlotIndexes() []int {
	idx := make([]int, 0, len(e.Slots))
	for i := range e.Slots {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// MarshalJSON flattens the envelope into the wire map.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(e.Statics) > 0 {
		m["s"] = e.Statics
		if e.Fingerprint != "" {
			m["f"] = e.Fingerprint
		}
	}
	for i, v := range e.Slots {
		m[strconv.Itoa(i)] = slotWireValue(v)
	}
	if len(e.Components) > 0 {
		c := make(map[string]*Envelope, len(e.Components))
		for id, env := range e.Components {
			c[strconv.Itoa(id)] = env
		}
		m["c"] = c
	}
	if len(e.Events) > 0 {
		evs := make([][2]any, len(e.Events))
		for i, ev := range e.Events {
			evs[i] = [2]any{ev.Name, ev.Payload}
		}
		m["e"] = evs
	}
	if e.LockToken != "" {
		m["l"] = e.LockToken
	}
	return json.Marshal(m)
}

func slotWireValue(v any) any {
	switch sv := v.(type) {
	case *KeyedDiff:
		return sv.wireMap()
	default:
		return v
	}
}

func (k *KeyedDiff) wireMap() map[string]any {
	m := make(map[string]any)
	if len(k.Statics) > 0 {
		m["s"] = k.Statics
		if k.Fingerprint != "" {
			m["f"] = k.Fingerprint
		}
	}
	if k.Order != nil {
		m["k"] = k.Order
	}
	if len(k.Rows) > 0 {
		m["d"] = k.Rows
	}
	if len(k.Removed) > 0 {
		m["x"] = k.Removed
	}
	return m
}

// UnmarshalJSON rebuilds the envelope from the wire map. Nested slot
// maps are classified as KeyedDiff when they carry any of the keyed
// markers ("k", "d", "x"), and as nested envelopes otherwise.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Slots = make(map[int]any)
	for key, val := range raw {
		switch key {
		case "s":
			if err := json.Unmarshal(val, &e.Statics); err != nil {
				return fmt.Errorf("wire: bad statics: %w", err)
			}
		case "f":
			if err := json.Unmarshal(val, &e.Fingerprint); err != nil {
				return fmt.Errorf("wire: bad fingerprint: %w", err)
			}
		case "c":
			var c map[string]*Envelope
			if err := json.Unmarshal(val, &c); err != nil {
				return fmt.Errorf("wire: bad component table: %w", err)
			}
			e.Components = make(map[int]*Envelope, len(c))
			for ids, env := range c {
				id, err := strconv.Atoi(ids)
				if err != nil {
					return fmt.Errorf("wire: bad component id %q", ids)
				}
				e.Components[id] = env
			}
		case "e":
			var evs [][2]json.RawMessage
			if err := json.Unmarshal(val, &evs); err != nil {
				return fmt.Errorf("wire: bad events: %w", err)
			}
			e.Events = make([]Event, len(evs))
			for i, pair := range evs {
				var name string
				if err := json.Unmarshal(pair[0], &name); err != nil {
					return fmt.Errorf("wire: bad event name: %w", err)
				}
				var payload any
				if err := json.Unmarshal(pair[1], &payload); err != nil {
					return fmt.Errorf("wire: bad event payload: %w", err)
				}
				e.Events[i] = Event{Name: name, Payload: payload}
			}
		case "l":
			if err := json.Unmarshal(val, &e.LockToken); err != nil {
				return fmt.Errorf("wire: bad lock token: %w", err)
			}
		default:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 {
				return fmt.Errorf("wire: unknown envelope key %q", key)
			}
			v, err := decodeSlot(val)
			if err != nil {
				return fmt.Errorf("wire: slot %d: %w", idx, err)
			}
			e.Slots[idx] = v
		}
	}
	return nil
}

func decodeSlot(raw json.RawMessage) (any, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch pv := probe.(type) {
	case nil:
		return nil, nil
	case string:
		return pv, nil
	case float64:
		// Component reference ids are the only numeric slot values.
		return int(pv), nil
	case map[string]any:
		if hasKeyedMarker(pv) {
			return decodeKeyedDiff(raw)
		}
		var nested Envelope
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, err
		}
		return &nested, nil
	default:
		return nil, fmt.Errorf("unsupported slot value %T", probe)
	}
}

func hasKeyedMarker(m map[string]any) bool {
	for _, k := range []string{"k", "d", "x"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func decodeKeyedDiff(raw json.RawMessage) (*KeyedDiff, error) {
	var aux struct {
		S []string             `json:"s"`
		F string               `json:"f"`
		K []string             `json:"k"`
		D map[string]*Envelope `json:"d"`
		X []string             `json:"x"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, err
	}
	return &KeyedDiff{
		Statics:     aux.S,
		Fingerprint: aux.F,
		Order:       aux.K,
		Rows:        aux.D,
		Removed:     aux.X,
	}, nil
}
