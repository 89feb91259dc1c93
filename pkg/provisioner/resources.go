package provisioner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/openfroyo/runway/pkg/engine"
)

// Addresses the managed platform serves mapped apex domains from.
var (
	mappedIPv4 = []string{"216.239.32.21", "216.239.34.21", "216.239.36.21", "216.239.38.21"}
	mappedIPv6 = []string{"2001:4860:4802:32::15", "2001:4860:4802:34::15", "2001:4860:4802:36::15", "2001:4860:4802:38::15"}
)

const mappedCNAME = "ghs.googlehosted.com."

// outputsFunc derives the reported outputs of a resource from its evaluated config.
type outputsFunc func(config map[string]interface{}, hash string) (map[string]interface{}, error)

var kindOutputs = map[engine.Kind]outputsFunc{
	engine.KindRegistry:         registryOutputs,
	engine.KindManagedService:   serviceOutputs,
	engine.KindIAMPolicyBinding: iamOutputs,
	engine.KindDomainMapping:    domainMappingOutputs,
	engine.KindDNSRecordSet:     recordSetOutputs,
	engine.KindNetwork:          networkOutputs,
}

func registryOutputs(config map[string]interface{}, _ string) (map[string]interface{}, error) {
	project, location, repo, err := required3(config, "project", "location", "repository_id")
	if err != nil {
		return nil, err
	}
	if format := str(config, "format"); format != "" && format != "DOCKER" {
		return nil, fmt.Errorf("unsupported repository format %q", format)
	}
	return map[string]interface{}{
		"id":             fmt.Sprintf("projects/%s/locations/%s/repositories/%s", project, location, repo),
		"name":           repo,
		"repository_url": fmt.Sprintf("%s-docker.pkg.dev/%s/%s", location, project, repo),
	}, nil
}

func serviceOutputs(config map[string]interface{}, hash string) (map[string]interface{}, error) {
	name, location, image, err := required3(config, "name", "location", "image")
	if err != nil {
		return nil, err
	}
	project := str(config, "project")
	return map[string]interface{}{
		"id":       fmt.Sprintf("locations/%s/namespaces/%s/services/%s", location, project, name),
		"name":     name,
		"location": location,
		"image":    image,
		"url":      fmt.Sprintf("https://%s-%s.a.run.app", name, shortHash(project+"/"+location)),
		"revision": fmt.Sprintf("%s-%s", name, hash[:5]),
	}, nil
}

func iamOutputs(config map[string]interface{}, hash string) (map[string]interface{}, error) {
	role, service, location, err := required3(config, "role", "service", "location")
	if err != nil {
		return nil, err
	}
	members, err := stringList(config, "members")
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("members is empty")
	}
	policy, err := json.Marshal(map[string]interface{}{
		"bindings": []interface{}{map[string]interface{}{"role": role, "members": members}},
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":          fmt.Sprintf("v1/projects/%s/locations/%s/services/%s", str(config, "project"), location, service),
		"etag":        "BwX" + hash[:12],
		"policy_data": string(policy),
	}, nil
}

func domainMappingOutputs(config map[string]interface{}, _ string) (map[string]interface{}, error) {
	name, location, route, err := required3(config, "name", "location", "route_name")
	if err != nil {
		return nil, err
	}

	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	var records []interface{}
	if len(labels) <= 2 {
		for _, ip := range mappedIPv4 {
			records = append(records, record("", "A", ip))
		}
		for _, ip := range mappedIPv6 {
			records = append(records, record("", "AAAA", ip))
		}
	} else {
		records = append(records, record(labels[0], "CNAME", mappedCNAME))
	}

	return map[string]interface{}{
		"id":               fmt.Sprintf("locations/%s/namespaces/%s/domainmappings/%s", location, str(config, "namespace"), name),
		"name":             name,
		"route_name":       route,
		"resource_records": records,
	}, nil
}

func record(name, recordType, rrdata string) map[string]interface{} {
	return map[string]interface{}{"name": name, "type": recordType, "rrdata": rrdata}
}

func recordSetOutputs(config map[string]interface{}, _ string) (map[string]interface{}, error) {
	zone, name, recordType, err := required3(config, "managed_zone", "name", "type")
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(name, ".") {
		return nil, fmt.Errorf("record name %q must end with a dot", name)
	}
	// An empty set is valid: a subdomain mapping reports no A or AAAA records.
	rrdatas, err := stringList(config, "rrdatas")
	if err != nil {
		return nil, err
	}
	for _, rr := range rrdatas {
		if err := checkRRData(recordType, rr); err != nil {
			return nil, err
		}
	}

	out := map[string]interface{}{
		"id":      fmt.Sprintf("projects/%s/managedZones/%s/rrsets/%s/%s", str(config, "project"), zone, name, recordType),
		"name":    name,
		"type":    recordType,
		"rrdatas": toInterfaces(rrdatas),
	}
	if ttl, ok := config["ttl"]; ok {
		out["ttl"] = ttl
	}
	return out, nil
}

func checkRRData(recordType, rrdata string) error {
	switch recordType {
	case "A":
		if ip := net.ParseIP(rrdata); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid A rrdata %q", rrdata)
		}
	case "AAAA":
		if ip := net.ParseIP(rrdata); ip == nil || ip.To4() != nil {
			return fmt.Errorf("invalid AAAA rrdata %q", rrdata)
		}
	case "CNAME":
		if !strings.HasSuffix(rrdata, ".") {
			return fmt.Errorf("invalid CNAME rrdata %q", rrdata)
		}
	default:
		return fmt.Errorf("unsupported record type %q", recordType)
	}
	return nil
}

func networkOutputs(config map[string]interface{}, _ string) (map[string]interface{}, error) {
	name := str(config, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	project := str(config, "project")
	return map[string]interface{}{
		"id":        fmt.Sprintf("projects/%s/global/networks/%s", project, name),
		"name":      name,
		"self_link": fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/global/networks/%s", project, name),
	}, nil
}

func required3(config map[string]interface{}, a, b, c string) (string, string, string, error) {
	values := make([]string, 3)
	for i, key := range []string{a, b, c} {
		values[i] = str(config, key)
		if values[i] == "" {
			return "", "", "", fmt.Errorf("%s is required", key)
		}
	}
	return values[0], values[1], values[2], nil
}

func str(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// stringList reads a list of strings.
func stringList(config map[string]interface{}, key string) ([]string, error) {
	switch v := config[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is %T, not a string", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s is %T, not a list", key, v)
	}
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:10]
}
