package engine

import "maps"

// Snapshot is the accumulated field map of a record as it moves through a
// run. Values are immutable: Merge returns a new Snapshot and never touches
// the receiver, so a step cannot observe writes it did not make itself.
type Snapshot struct {
	data map[string]any
}

// NewSnapshot deep-copies data into a fresh Snapshot.
func NewSnapshot(data map[string]any) Snapshot {
	return Snapshot{data: deepCopyMap(data)}
}

// Get returns the value stored under field.
func (s Snapshot) Get(field string) (any, bool) {
	v, ok := s.data[field]
	return v, ok
}

// Data returns a deep copy of the snapshot's fields.
func (s Snapshot) Data() map[string]any {
	return deepCopyMap(s.data)
}

// Len reports the number of fields.
func (s Snapshot) Len() int { return len(s.data) }

// Merge returns a new Snapshot with fields laid over the receiver's data.
// Later writes to the same field win.
func (s Snapshot) Merge(fields map[string]any) Snapshot {
	next := make(map[string]any, len(s.data)+len(fields))
	maps.Copy(next, s.data)
	for k, v := range fields {
		next[k] = deepCopyValue(v)
	}
	return Snapshot{data: next}
}

// Subset returns a copy of the named fields that are present.
func (s Snapshot) Subset(fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := s.data[f]; ok {
			out[f] = deepCopyValue(v)
		}
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
