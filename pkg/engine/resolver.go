package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/runway/pkg/expr"
)

// Resolution is the outcome of resolving one attribute reference: either a
// concrete value or a deferred expression for the provisioning engine.
type Resolution struct {
	// Value is the concrete value when the target outputs are materialized.
	Value interface{}

	// Deferred is set when the target has not been provisioned yet.
	Deferred *Deferred
}

// IsDeferred reports whether the resolution is a deferred expression.
func (r Resolution) IsDeferred() bool {
	return r.Deferred != nil
}

// Interface returns the value to substitute into a config.
func (r Resolution) Interface() interface{} {
	if r.Deferred != nil {
		return *r.Deferred
	}
	return r.Value
}

// Resolver turns attribute references into concrete values or deferred expressions.
type Resolver struct {
	graph *Graph

	// DeferTransforms renders filtered or projected references as deferred
	// expressions even when the target outputs are materialized.
	DeferTransforms bool
}

// NewResolver creates a resolver reading outputs from the given graph.
func NewResolver(graph *Graph) *Resolver {
	return &Resolver{graph: graph}
}

// Resolve resolves a reference declared on fromID.
//
// Filtering keeps the records for which the filter is true, in source order.
// A filter that matches nothing yields an empty sequence. Identical upstream
// outputs always produce identical results: nothing is sorted or deduplicated.
func (r *Resolver) Resolve(fromID string, ref AttributeRef) (Resolution, error) {
	target, ok := r.graph.Node(ref.Target)
	if !ok {
		return Resolution{}, &UnknownTargetError{From: fromID, Target: ref.Target}
	}

	value, err := target.Output(ref.Output)
	if errors.Is(err, ErrNotMaterialized) || (err == nil && r.DeferTransforms && ref.Transforms()) {
		d, err := NewDeferred(ref)
		if err != nil {
			return Resolution{}, &ResolveError{NodeID: fromID, Ref: ref, Err: err}
		}
		return Resolution{Deferred: &d}, nil
	}
	if err != nil {
		return Resolution{}, &ResolveError{NodeID: fromID, Ref: ref, Err: err}
	}

	if !ref.Transforms() {
		return Resolution{Value: value}, nil
	}

	records, err := AsRecords(value)
	if err != nil {
		return Resolution{}, &ResolveError{NodeID: fromID, Ref: ref, Err: err}
	}
	selected, err := SelectRecords(records, ref.Filter, ref.Projection)
	if err != nil {
		return Resolution{}, &ResolveError{NodeID: fromID, Ref: ref, Err: err}
	}
	return Resolution{Value: selected}, nil
}

// ResolveConfig returns a copy of the node config with every referenced field
// substituted. The boolean result reports whether any field was deferred.
func (r *Resolver) ResolveConfig(node *Node) (map[string]interface{}, bool, error) {
	config := copyMap(node.Config)
	deferred := false

	for _, ref := range node.References {
		res, err := r.Resolve(node.ID, ref)
		if err != nil {
			return nil, false, err
		}
		if res.IsDeferred() {
			deferred = true
		}
		if err := setPath(config, ref.Field, res.Interface()); err != nil {
			return nil, false, &ResolveError{NodeID: node.ID, Ref: ref, Err: err}
		}
	}

	return config, deferred, nil
}

// SelectRecords applies a filter and projection to records in order.
// Without a projection the surviving records are returned whole.
func SelectRecords(records []Record, filter, projection string) ([]interface{}, error) {
	var filterProg, projectionProg *expr.Program
	var err error
	if filter != "" {
		if filterProg, err = expr.Compile("filter", filter); err != nil {
			return nil, err
		}
	}
	if projection != "" {
		if projectionProg, err = expr.Compile("projection", projection); err != nil {
			return nil, err
		}
	}

	result := make([]interface{}, 0, len(records))
	for i, record := range records {
		vars := map[string]interface{}{expr.RecordVar: map[string]interface{}(record)}

		if filterProg != nil {
			keep, err := filterProg.EvalBool(vars)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			if !keep {
				continue
			}
		}

		if projectionProg == nil {
			result = append(result, copyMap(record))
			continue
		}
		v, err := projectionProg.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		result = append(result, v)
	}
	return result, nil
}

// AsRecords interprets an output value as a sequence of records.
func AsRecords(value interface{}) ([]Record, error) {
	switch v := value.(type) {
	case []Record:
		return v, nil
	case []map[string]interface{}:
		records := make([]Record, len(v))
		for i, m := range v {
			records[i] = Record(m)
		}
		return records, nil
	case []interface{}:
		records := make([]Record, len(v))
		for i, item := range v {
			switch m := item.(type) {
			case Record:
				records[i] = m
			case map[string]interface{}:
				records[i] = Record(m)
			default:
				return nil, fmt.Errorf("element %d is %T, not a record", i, item)
			}
		}
		return records, nil
	case nil:
		return []Record{}, nil
	default:
		return nil, fmt.Errorf("output of type %T is not a record sequence", value)
	}
}

// setPath writes value at a dotted path, creating intermediate maps.
func setPath(config map[string]interface{}, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	current := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			m := make(map[string]interface{})
			current[part] = m
			current = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("field %s is %T, not a map", part, next)
		}
		current = m
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// copyMap deep copies nested maps and slices so resolved configs never alias node config.
func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case Record:
		return Record(copyMap(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string{}, val...)
	default:
		return val
	}
}

// SortedKeys returns the keys of a config map in lexical order.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
