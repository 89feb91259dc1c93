package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/runway/pkg/policy"
)

// writeStructured writes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format: %s (must be json or yaml)", format)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printPolicyResult prints violations, warnings and evaluation errors.
func printPolicyResult(w io.Writer, env string, result *policy.PolicyResult) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "✗ [%s] %s %s: %s\n", env, v.Policy, v.NodeID, v.Message)
		if v.Remediation != "" {
			fmt.Fprintf(w, "    fix: %s\n", v.Remediation)
		}
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "! [%s] %s %s: %s\n", env, v.Policy, v.NodeID, v.Message)
		if v.Remediation != "" {
			fmt.Fprintf(w, "    fix: %s\n", v.Remediation)
		}
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "? [%s] %s\n", env, e)
	}
}
