package dagengine

import (
	"encoding/json"
	"sort"
)

// nodeRecord is one entry of ToJSON's output: index, kind, the
// current/last-computed value (or null for a function cell that has
// never successfully computed), and the dependency index list.
// Compute closures are never serialized.
type nodeRecord struct {
	Index        int64   `json:"index"`
	Type         string  `json:"type"`
	Value        any     `json:"value"`
	Dependencies []int64 `json:"dependencies"`
}

// ToJSON renders the graph's structure for inspection and testing.
// The format is not guaranteed to be stable across versions and is
// not meant to be deserialized back into an Engine.
func (e *Engine) ToJSON() ([]byte, error) {
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	records := make([]nodeRecord, 0, len(e.nodes))
	for idx, n := range e.nodes {
		value, has := n.SerializeValue()
		if !has {
			value = nil
		}
		deps := n.DependencyIndices()
		depInts := make([]int64, len(deps))
		for i, d := range deps {
			depInts[i] = int64(d)
		}
		records = append(records, nodeRecord{
			Index:        int64(idx),
			Type:         n.Kind().String(),
			Value:        value,
			Dependencies: depInts,
		})
	}
	e.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	return json.MarshalIndent(records, "", "  ")
}
