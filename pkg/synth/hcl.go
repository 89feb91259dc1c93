package synth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// HCL renders the document as native Terraform configuration.
func (d *Document) HCL() ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	terraform := root.AppendNewBlock("terraform", nil)
	required := terraform.Body().AppendNewBlock("required_providers", nil)
	for _, p := range d.Providers {
		required.Body().SetAttributeValue(p.Name, cty.ObjectVal(map[string]cty.Value{
			"source": cty.StringVal(p.Source),
		}))
	}

	for _, p := range d.Providers {
		root.AppendNewline()
		block := root.AppendNewBlock("provider", []string{p.Name})
		if err := writeBody(block.Body(), p.Body); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
	}

	for _, r := range d.Data {
		root.AppendNewline()
		block := root.AppendNewBlock("data", []string{r.Type, r.Name})
		if err := writeBody(block.Body(), r.Body); err != nil {
			return nil, fmt.Errorf("data.%s: %w", r.Address(), err)
		}
	}

	for _, r := range d.Resources {
		root.AppendNewline()
		block := root.AppendNewBlock("resource", []string{r.Type, r.Name})
		if err := writeBody(block.Body(), r.Body); err != nil {
			return nil, fmt.Errorf("%s: %w", r.Address(), err)
		}
		if len(r.DependsOn) > 0 {
			tokens, err := exprTokens("[" + strings.Join(r.DependsOn, ", ") + "]")
			if err != nil {
				return nil, fmt.Errorf("%s: %w", r.Address(), err)
			}
			block.Body().SetAttributeRaw("depends_on", tokens)
		}
	}

	return hclwrite.Format(f.Bytes()), nil
}

// writeBody writes attributes in key order, followed by nested blocks.
func writeBody(body *hclwrite.Body, values Block) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var blocks []string
	for _, k := range keys {
		switch values[k].(type) {
		case Block, []Block:
			blocks = append(blocks, k)
			continue
		}
		if values[k] == nil {
			continue
		}
		if err := writeAttribute(body, k, values[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}

	for _, k := range blocks {
		var nested []Block
		switch v := values[k].(type) {
		case Block:
			nested = []Block{v}
		case []Block:
			nested = v
		}
		for _, b := range nested {
			child := body.AppendNewBlock(k, nil)
			if err := writeBody(child.Body(), b); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	}
	return nil
}

func writeAttribute(body *hclwrite.Body, name string, v interface{}) error {
	if !containsExpr(v) {
		val, err := toCtyValue(v)
		if err != nil {
			return err
		}
		body.SetAttributeValue(name, val)
		return nil
	}

	src, err := hclSource(v)
	if err != nil {
		return err
	}
	tokens, err := exprTokens(src)
	if err != nil {
		return err
	}
	body.SetAttributeRaw(name, tokens)
	return nil
}

// exprTokens parses expression source into tokens.
func exprTokens(src string) (hclwrite.Tokens, error) {
	f, diags := hclwrite.ParseConfig([]byte("v = "+src+"\n"), "expr.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid expression %s: %s", src, diags.Error())
	}
	attr := f.Body().GetAttribute("v")
	if attr == nil {
		return nil, fmt.Errorf("invalid expression %s", src)
	}
	return attr.Expr().BuildTokens(nil), nil
}

// hclSource renders a value as HCL expression source.
func hclSource(v interface{}) (string, error) {
	switch val := v.(type) {
	case Expr:
		return string(val), nil
	case string:
		quoted, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return escapeTemplate(string(quoted)), nil
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			s, err := hclSource(item)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString("{\n")
		for _, k := range keys {
			s, err := hclSource(val[k])
			if err != nil {
				return "", err
			}
			key := k
			if !identifierPattern.MatchString(k) {
				quoted, _ := json.Marshal(k)
				key = string(quoted)
			}
			sb.WriteString(key + " = " + s + "\n")
		}
		sb.WriteString("}")
		return sb.String(), nil
	case nil:
		return "null", nil
	default:
		cv, err := toCtyValue(val)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(hclwrite.TokensForValue(cv).Bytes())), nil
	}
}

func containsExpr(v interface{}) bool {
	switch val := v.(type) {
	case Expr:
		return true
	case []interface{}:
		for _, item := range val {
			if containsExpr(item) {
				return true
			}
		}
	case map[string]interface{}:
		for _, item := range val {
			if containsExpr(item) {
				return true
			}
		}
	}
	return false
}

// toCtyValue converts a plain Go value, inferring its type.
func toCtyValue(v interface{}) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case []interface{}:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		items := make([]cty.Value, len(val))
		for i, item := range val {
			cv, err := toCtyValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			items[i] = cv
		}
		return cty.TupleVal(items), nil
	case map[string]interface{}:
		if len(val) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, item := range val {
			cv, err := toCtyValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	case []string:
		items := make([]interface{}, len(val))
		for i, s := range val {
			items[i] = s
		}
		return toCtyValue(items)
	case map[string]string:
		attrs := make(map[string]interface{}, len(val))
		for k, s := range val {
			attrs[k] = s
		}
		return toCtyValue(attrs)
	}

	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, err
	}
	return gocty.ToCtyValue(v, ty)
}
