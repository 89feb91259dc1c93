package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// AttributeRef is a late-bound pointer from one node's config field to an output
// of another node. The output is read only after the target has been provisioned.
type AttributeRef struct {
	// Field is the config key the resolved value is written to. Dots address nested maps.
	Field string `json:"field"`

	// Target is the node whose output is read.
	Target string `json:"target"`

	// Output is the output name on the target.
	Output string `json:"output"`

	// Filter is an optional predicate over `record`, e.g. `record.type == "A"`.
	Filter string `json:"filter,omitempty"`

	// Projection is an optional expression over `record`, e.g. `record.rrdata`.
	Projection string `json:"projection,omitempty"`
}

// String renders the reference for messages.
func (r AttributeRef) String() string {
	s := fmt.Sprintf("%s <- %s.%s", r.Field, r.Target, r.Output)
	if r.Filter != "" {
		s += fmt.Sprintf(" where %s", r.Filter)
	}
	if r.Projection != "" {
		s += fmt.Sprintf(" select %s", r.Projection)
	}
	return s
}

// Transforms reports whether the reference filters or projects records.
func (r AttributeRef) Transforms() bool {
	return r.Filter != "" || r.Projection != ""
}

// Ref builds a plain reference.
func Ref(field, target, output string) AttributeRef {
	return AttributeRef{Field: field, Target: target, Output: output}
}

// Deferred is a value that cannot be known until the provisioning engine runs.
// Expression is an HCL expression over `<node>.<output>` traversals that the
// engine evaluates against its own state.
type Deferred struct {
	// Expression is the HCL expression without the ${ } wrapper.
	Expression string `json:"expression"`

	// Target is the node whose outputs the expression reads.
	Target string `json:"target"`

	// Output is the output name on the target.
	Output string `json:"output"`
}

// String returns the expression as an HCL interpolation.
func (d Deferred) String() string {
	return "${" + d.Expression + "}"
}

// MarshalJSON encodes a deferred value as its interpolation string.
func (d Deferred) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalYAML encodes a deferred value as its interpolation string.
func (d Deferred) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Parse parses the expression with hclsyntax.
func (d Deferred) Parse() (hclsyntax.Expression, error) {
	parsed, diags := hclsyntax.ParseExpression([]byte(d.Expression), d.Target+".hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid deferred expression %q: %s", d.Expression, diags.Error())
	}
	return parsed, nil
}

// NewDeferred renders the HCL expression for a reference:
//
//	target.output
//	[for record in target.output : <projection> if <filter>]
func NewDeferred(ref AttributeRef) (Deferred, error) {
	source := ref.Target + "." + ref.Output

	var expression string
	if !ref.Transforms() {
		expression = source
	} else {
		projection := "record"
		if ref.Projection != "" {
			projection = starlarkToHCL(ref.Projection)
		}
		expression = fmt.Sprintf("[for record in %s : %s", source, projection)
		if ref.Filter != "" {
			expression += " if " + starlarkToHCL(ref.Filter)
		}
		expression += "]"
	}

	d := Deferred{Expression: expression, Target: ref.Target, Output: ref.Output}
	if _, err := d.Parse(); err != nil {
		return Deferred{}, err
	}
	return d, nil
}

// starlarkToHCL rewrites the Starlark spellings of boolean operators and
// constants into their HCL equivalents. String literals are copied unchanged.
// `not` has no precedence-preserving HCL spelling and is left as is, which
// fails the HCL parse instead of silently changing meaning.
func starlarkToHCL(src string) string {
	replacements := map[string]string{
		"and":   "&&",
		"or":    "||",
		"True":  "true",
		"False": "false",
		"None":  "null",
	}

	var sb strings.Builder
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != r {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			literal := string(runes[i+1 : min(j, len(runes))])
			if r == '\'' {
				literal = strings.ReplaceAll(literal, `"`, `\"`)
			}
			sb.WriteString(`"` + literal + `"`)
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			word := string(runes[i:j])
			if rep, ok := replacements[word]; ok && (i == 0 || runes[i-1] != '.') {
				sb.WriteString(rep)
			} else {
				sb.WriteString(word)
			}
			i = j
		default:
			sb.WriteRune(r)
			i++
		}
	}
	return sb.String()
}
