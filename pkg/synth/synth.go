// Package synth renders a deployment graph as a Terraform configuration,
// either as JSON (*.tf.json) or as native HCL.
//
// Attribute references become Terraform expressions against the referenced
// resource, so the synthesized configuration carries the same data flow as
// the graph. Filtered and projected references become for expressions, e.g.
//
//	[for record in google_cloud_run_domain_mapping.runDomainMapping.status[0].resource_records : record.rrdata if record.type == "A"]
package synth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/runway/pkg/engine"
)

// Expr is a raw Terraform expression. A quoted template such as
// `"${a.b}-suffix"` is kept as a template; anything else is interpolated.
type Expr string

func (e Expr) isTemplate() bool {
	return strings.HasPrefix(string(e), `"`) && strings.HasSuffix(string(e), `"`) && len(e) >= 2
}

// fragment returns the expression as a piece of a string template.
func (e Expr) fragment() string {
	if e.isTemplate() {
		return string(e[1 : len(e)-1])
	}
	return "${" + string(e) + "}"
}

// Block is a nested configuration block.
type Block map[string]interface{}

// Resource is one resource or data block.
type Resource struct {
	Type      string
	Name      string
	Body      Block
	DependsOn []string
}

// Address returns the Terraform address, e.g. google_dns_record_set.ARecordSet.
func (r Resource) Address() string {
	return r.Type + "." + r.Name
}

// Provider is a provider configuration block.
type Provider struct {
	Name   string
	Source string
	Body   Block
}

// Options configures synthesis.
type Options struct {
	// StackName is written to the document metadata.
	StackName string

	Project string
	Region  string
	Zone    string

	// RegistryHosts get a docker provider registry_auth block each.
	RegistryHosts []string
}

// Document is a synthesized Terraform configuration.
type Document struct {
	StackName string
	Providers []Provider
	Data      []Resource
	Resources []Resource
}

// Synthesize converts a graph. Nodes are emitted in topological order.
func Synthesize(g *engine.Graph, opts Options) (*Document, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	doc := &Document{StackName: opts.StackName}

	google := Block{}
	for k, v := range map[string]string{"project": opts.Project, "region": opts.Region, "zone": opts.Zone} {
		if v != "" {
			google[k] = v
		}
	}
	doc.Providers = append(doc.Providers, Provider{Name: "google", Source: "hashicorp/google", Body: google})

	docker := Block{}
	if len(opts.RegistryHosts) > 0 {
		hosts := append([]string{}, opts.RegistryHosts...)
		sort.Strings(hosts)
		auth := make([]Block, 0, len(hosts))
		for _, h := range hosts {
			auth = append(auth, Block{"address": h})
		}
		docker["registry_auth"] = auth
	}
	doc.Providers = append(doc.Providers, Provider{Name: "docker", Source: "kreuzwerker/docker", Body: docker})

	for _, id := range order {
		node, _ := g.Node(id)
		r, data, err := synthesizeNode(g, node)
		if err != nil {
			return nil, fmt.Errorf("failed to synthesize %s: %w", id, err)
		}
		doc.Data = append(doc.Data, data...)
		doc.Resources = append(doc.Resources, r)
	}

	return doc, nil
}

func synthesizeNode(g *engine.Graph, node *engine.Node) (Resource, []Resource, error) {
	tfType, ok := TerraformType(node.Kind)
	if !ok {
		return Resource{}, nil, fmt.Errorf("no terraform resource for kind %s", node.Kind)
	}

	config := copyConfig(node.Config)
	referenced := make(map[string]bool)
	for _, ref := range node.References {
		expr, err := referenceExpr(g, ref)
		if err != nil {
			return Resource{}, nil, err
		}
		setPath(config, ref.Field, expr)
		referenced[ref.Target] = true
	}

	body, data := resourceBody(node.Kind, node.ID, config)
	r := Resource{Type: tfType, Name: node.ID, Body: body}

	deps, err := g.DependenciesOf(node.ID)
	if err != nil {
		return Resource{}, nil, err
	}
	for _, dep := range deps {
		if referenced[dep] {
			continue
		}
		depNode, _ := g.Node(dep)
		depType, _ := TerraformType(depNode.Kind)
		r.DependsOn = append(r.DependsOn, depType+"."+dep)
	}

	return r, data, nil
}

// referenceExpr renders a reference against the Terraform attribute that holds the output.
func referenceExpr(g *engine.Graph, ref engine.AttributeRef) (Expr, error) {
	target, ok := g.Node(ref.Target)
	if !ok {
		return "", &engine.UnknownTargetError{Target: ref.Target}
	}
	tfType, ok := TerraformType(target.Kind)
	if !ok {
		return "", fmt.Errorf("no terraform resource for kind %s", target.Kind)
	}
	source := outputExpr(target.Kind, tfType+"."+ref.Target, ref.Output)
	if !ref.Transforms() {
		return source, nil
	}

	d, err := engine.NewDeferred(ref)
	if err != nil {
		return "", err
	}
	return Expr(strings.Replace(d.Expression, d.Target+"."+d.Output, string(source), 1)), nil
}

// JSON renders the document as Terraform JSON.
func (d *Document) JSON() ([]byte, error) {
	root := map[string]interface{}{
		"//": map[string]interface{}{
			"metadata": map[string]interface{}{
				"stackName": d.StackName,
				"backend":   "local",
				"generator": "runway",
			},
		},
	}

	required := map[string]interface{}{}
	providers := map[string]interface{}{}
	for _, p := range d.Providers {
		required[p.Name] = map[string]interface{}{"source": p.Source}
		providers[p.Name] = []interface{}{jsonValue(p.Body)}
	}
	root["terraform"] = map[string]interface{}{"required_providers": required}
	root["provider"] = providers

	if len(d.Data) > 0 {
		root["data"] = jsonResources(d.Data)
	}
	if len(d.Resources) > 0 {
		root["resource"] = jsonResources(d.Resources)
	}

	return json.MarshalIndent(root, "", "  ")
}

func jsonResources(resources []Resource) map[string]interface{} {
	out := map[string]interface{}{}
	for _, r := range resources {
		byName, ok := out[r.Type].(map[string]interface{})
		if !ok {
			byName = map[string]interface{}{}
			out[r.Type] = byName
		}
		body := jsonValue(r.Body).(map[string]interface{})
		if len(r.DependsOn) > 0 {
			body["depends_on"] = r.DependsOn
		}
		byName[r.Name] = body
	}
	return out
}

func jsonValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Expr:
		if val.isTemplate() {
			return val.fragment()
		}
		return "${" + string(val) + "}"
	case Block:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			if b, ok := item.(Block); ok {
				out[k] = []interface{}{jsonValue(b)}
				continue
			}
			out[k] = jsonValue(item)
		}
		return out
	case []Block:
		out := make([]interface{}, len(val))
		for i, b := range val {
			out[i] = jsonValue(b)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case string:
		return escapeTemplate(val)
	default:
		return v
	}
}

// escapeTemplate escapes template sequences in literal strings.
func escapeTemplate(s string) string {
	s = strings.ReplaceAll(s, "${", "$${")
	return strings.ReplaceAll(s, "%{", "%%{")
}

func copyConfig(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = copyConfig(val)
		case []interface{}:
			out[k] = append([]interface{}{}, val...)
		default:
			out[k] = v
		}
	}
	return out
}

func setPath(config map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
