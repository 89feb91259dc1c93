// Package expr evaluates the small Starlark expressions used by attribute
// references: filter predicates such as `record.type == "A"` and projections
// such as `record.rrdata`.
//
// Expressions are compiled once when a reference is declared so that syntax
// errors reject the graph before anything is provisioned, then evaluated per
// record at resolution time. Each evaluation runs on a fresh thread with a step
// budget, so a runaway expression fails instead of hanging the apply.
package expr

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultMaxSteps bounds the work a single evaluation may perform.
const DefaultMaxSteps = 100000

// RecordVar is the variable name each record is bound to.
const RecordVar = "record"

// Program is a compiled expression.
type Program struct {
	name     string
	src      string
	maxSteps uint64
}

// Compile parses src as a single Starlark expression.
func Compile(name, src string) (*Program, error) {
	if src == "" {
		return nil, fmt.Errorf("%s: empty expression", name)
	}
	if _, err := syntax.ParseExpr(name, src, 0); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Program{name: name, src: src, maxSteps: DefaultMaxSteps}, nil
}

// MustCompile is like Compile but panics on error. Intended for constant expressions.
func MustCompile(name, src string) *Program {
	p, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the expression text.
func (p *Program) Source() string {
	return p.src
}

// Eval evaluates the expression with vars bound as predeclared names and
// converts the result back to a Go value. Maps bound at the top level are
// exposed as structs so their fields read as attributes.
func (p *Program) Eval(vars map[string]interface{}) (interface{}, error) {
	v, err := p.eval(vars)
	if err != nil {
		return nil, err
	}
	return FromStarlark(v)
}

// EvalBool evaluates the expression and requires a boolean result.
func (p *Program) EvalBool(vars map[string]interface{}) (bool, error) {
	v, err := p.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("%s: expression %q returned %s, want bool", p.name, p.src, v.Type())
	}
	return bool(b), nil
}

func (p *Program) eval(vars map[string]interface{}) (starlark.Value, error) {
	thread := &starlark.Thread{
		Name:  p.name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(p.maxSteps)

	env := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for name, val := range vars {
		sv, err := toStarlarkTop(val)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to convert %s: %w", p.name, name, err)
		}
		env[name] = sv
	}

	v, err := starlark.Eval(thread, p.name, p.src, env)
	if err != nil {
		return nil, fmt.Errorf("%s: evaluating %q: %w", p.name, p.src, err)
	}
	return v, nil
}

// toStarlarkTop converts top-level maps to structs and everything else with ToStarlark.
func toStarlarkTop(v interface{}) (starlark.Value, error) {
	fields, ok := asStringMap(v)
	if !ok {
		return ToStarlark(v)
	}
	dict := make(starlark.StringDict, len(fields))
	for k, fv := range fields {
		sv, err := ToStarlark(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		dict[k] = sv
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, dict), nil
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// ToStarlark converts a Go value to a Starlark value.
func ToStarlark(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := ToStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []map[string]interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkTop(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	}

	if m, ok := asStringMap(v); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(m))
		for _, k := range keys {
			sv, err := ToStarlark(m[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, fmt.Errorf("unsupported type: %T", v)
}

// FromStarlark converts a Starlark value to a Go value.
func FromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := FromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := FromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := FromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := FromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
