package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/openfroyo/runway/pkg/engine"
	"github.com/openfroyo/runway/pkg/stores"
)

// evaluator substitutes Deferred values with their results against recorded
// state. Target outputs are loaded once per evaluator.
type evaluator struct {
	ctx         context.Context
	store       stores.Store
	environment string
	targets     map[string]cty.Value
}

func newEvaluator(ctx context.Context, store stores.Store, environment string) *evaluator {
	return &evaluator{
		ctx:         ctx,
		store:       store,
		environment: environment,
		targets:     make(map[string]cty.Value),
	}
}

// value walks a config value and evaluates every Deferred it finds.
func (e *evaluator) value(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case engine.Deferred:
		return e.deferred(val)
	case *engine.Deferred:
		if val == nil {
			return nil, nil
		}
		return e.deferred(*val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := e.value(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := e.value(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *evaluator) deferred(d engine.Deferred) (interface{}, error) {
	parsed, err := d.Parse()
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse deferred value", err).WithCode(engine.ErrCodeValidation)
	}

	vars := make(map[string]cty.Value)
	for _, traversal := range parsed.Variables() {
		root := traversal.RootName()
		if _, ok := vars[root]; ok {
			continue
		}
		target, err := e.target(root)
		if err != nil {
			return nil, err
		}
		vars[root] = target
	}

	result, diags := parsed.Value(&hcl.EvalContext{Variables: vars})
	if diags.HasErrors() {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to evaluate %s", d.String()), errors.New(diags.Error()),
		).WithCode(engine.ErrCodeValidation)
	}

	return fromCty(result)
}

// target loads the recorded outputs of a node as a cty object.
func (e *evaluator) target(nodeID string) (cty.Value, error) {
	if v, ok := e.targets[nodeID]; ok {
		return v, nil
	}

	state, err := e.store.GetResourceState(e.ctx, e.environment, nodeID)
	if errors.Is(err, stores.ErrNotFound) {
		return cty.NilVal, engine.NewPermanentError(
			fmt.Sprintf("node %s has not been applied in environment %s", nodeID, e.environment), err,
		).WithCode(engine.ErrCodeNotFound).WithResource(nodeID)
	}
	if err != nil {
		return cty.NilVal, engine.NewTransientError("failed to load state", err).WithResource(nodeID)
	}

	v, err := toCty([]byte(state.Outputs))
	if err != nil {
		return cty.NilVal, fmt.Errorf("outputs of %s: %w", nodeID, err)
	}
	e.targets[nodeID] = v
	return v, nil
}

func toCty(data []byte) (cty.Value, error) {
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(data, ty)
}

func fromCty(v cty.Value) (interface{}, error) {
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("deferred value is not known")
	}
	data, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
