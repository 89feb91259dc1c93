package synth

import (
	"fmt"

	"github.com/openfroyo/runway/pkg/engine"
)

var terraformTypes = map[engine.Kind]string{
	engine.KindRegistry:         "google_artifact_registry_repository",
	engine.KindImage:            "docker_image",
	engine.KindImagePush:        "docker_registry_image",
	engine.KindManagedService:   "google_cloud_run_service",
	engine.KindIAMPolicyBinding: "google_cloud_run_service_iam_policy",
	engine.KindDomainMapping:    "google_cloud_run_domain_mapping",
	engine.KindDNSRecordSet:     "google_dns_record_set",
	engine.KindNetwork:          "google_compute_network",
}

// TerraformType returns the Terraform resource type of a kind.
func TerraformType(kind engine.Kind) (string, bool) {
	t, ok := terraformTypes[kind]
	return t, ok
}

// outputExpr returns the expression that reads an output from a resource address.
func outputExpr(kind engine.Kind, address, output string) Expr {
	switch kind {
	case engine.KindRegistry:
		if output == "repository_url" {
			return Expr(fmt.Sprintf(`"${%[1]s.location}-docker.pkg.dev/${%[1]s.project}/${%[1]s.repository_id}"`, address))
		}
	case engine.KindImagePush:
		if output == "image_ref" {
			return Expr(fmt.Sprintf(`"${%[1]s.name}@${%[1]s.sha256_digest}"`, address))
		}
	case engine.KindManagedService:
		if output == "url" {
			return Expr(address + ".status[0].url")
		}
	case engine.KindDomainMapping:
		if output == "resource_records" {
			return Expr(address + ".status[0].resource_records")
		}
	}
	return Expr(address + "." + output)
}

// resourceBody shapes an evaluated node config into the Terraform schema of
// its kind. It may also return data sources the resource reads.
func resourceBody(kind engine.Kind, id string, config map[string]interface{}) (Block, []Resource) {
	switch kind {
	case engine.KindImage:
		return imageBody(config), nil
	case engine.KindImagePush:
		return Block{"name": config["name"], "keep_remotely": true}, nil
	case engine.KindManagedService:
		return serviceBody(config), nil
	case engine.KindIAMPolicyBinding:
		return iamBody(id, config)
	case engine.KindDomainMapping:
		return Block{
			"project":  config["project"],
			"name":     config["name"],
			"location": config["location"],
			"metadata": Block{"namespace": config["namespace"]},
			"spec":     Block{"route_name": config["route_name"]},
		}, nil
	default:
		body := Block{}
		for k, v := range config {
			if v != nil {
				body[k] = v
			}
		}
		return body, nil
	}
}

func imageBody(config map[string]interface{}) Block {
	build := Block{"context": config["context"]}
	if platform, ok := config["platform"]; ok {
		build["platform"] = platform
	}
	body := Block{"build": build}

	if name, ok := config["name"]; ok {
		body["name"] = name
		return body
	}

	name := fragment(config["repository"]) + "/" + fragment(config["image_name"])
	if tag, ok := config["tag"]; ok {
		name += ":" + fragment(tag)
	}
	body["name"] = Expr(`"` + name + `"`)
	return body
}

func serviceBody(config map[string]interface{}) Block {
	container := Block{"image": config["image"]}
	if port, ok := config["port"]; ok {
		container["ports"] = Block{"container_port": port}
	}
	body := Block{
		"name":     config["name"],
		"location": config["location"],
		"template": Block{"spec": Block{"containers": container}},
	}
	if project, ok := config["project"]; ok {
		body["project"] = project
	}
	if labels, ok := config["labels"]; ok {
		body["metadata"] = Block{"labels": labels}
	}
	return body
}

func iamBody(id string, config map[string]interface{}) (Block, []Resource) {
	policy := Resource{
		Type: "google_iam_policy",
		Name: id,
		Body: Block{
			"binding": Block{
				"role":    config["role"],
				"members": config["members"],
			},
		},
	}
	body := Block{
		"location":    config["location"],
		"service":     config["service"],
		"policy_data": Expr("data." + policy.Address() + ".policy_data"),
	}
	if project, ok := config["project"]; ok {
		body["project"] = project
	}
	return body, []Resource{policy}
}

// fragment renders a value as part of a string template.
func fragment(v interface{}) string {
	switch val := v.(type) {
	case Expr:
		return val.fragment()
	case nil:
		return ""
	case string:
		return escapeTemplate(val)
	default:
		return fmt.Sprint(val)
	}
}
