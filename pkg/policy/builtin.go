package policy

import (
	"time"

	"github.com/openfroyo/runway/pkg/engine"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		resourceNamingPolicy(),
		requiredLabelsPolicy(),
		publicInvokerPolicy(),
		pinnedImageTagPolicy(),
		dnsRecordTypesPolicy(),
		registryFormatPolicy(),
	}
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

// resourceNamingPolicy enforces cloud resource naming rules.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Service, network and repository names must be lowercase RFC 1035 labels of at most 63 characters",
		Severity:    SeverityError,
		Tags:        []string{"naming", "conventions"},
		Kinds:       []engine.Kind{engine.KindRegistry, engine.KindManagedService, engine.KindNetwork},
		Rego: `package runway.policies.naming

import rego.v1

names contains name if {
	input.node.kind in {"managed_service", "network"}
	name := input.node.config.name
}

names contains name if {
	input.node.kind == "registry"
	name := input.node.config.repository_id
}

deny contains violation if {
	some name in names
	not regex.match("^[a-z]([-a-z0-9]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("%s name '%s' must start with a letter, contain only lowercase letters, digits and hyphens, and not end with a hyphen", [input.node.kind, name]),
		"severity": "error",
		"node": input.node.id,
	}
}

deny contains violation if {
	some name in names
	count(name) > 63
	violation := {
		"message": sprintf("%s name '%s' must not exceed 63 characters", [input.node.kind, name]),
		"severity": "error",
		"node": input.node.id,
	}
}`,
	}
}

// requiredLabelsPolicy checks the labels runway stamps on labelled resources.
func requiredLabelsPolicy() Policy {
	return Policy{
		Name:        "required-labels",
		Description: "Registries and services carry the environment and managed-by labels",
		Severity:    SeverityWarning,
		Tags:        []string{"labels", "metadata"},
		Kinds:       []engine.Kind{engine.KindRegistry, engine.KindManagedService},
		Rego: `package runway.policies.labels

import rego.v1

required_labels := ["environment", "managed-by"]

deny contains violation if {
	some label in required_labels
	object.get(object.get(input.node.config, "labels", {}), label, "") == ""
	violation := {
		"message": sprintf("%s is missing label %s", [input.node.id, label]),
		"severity": "warning",
		"node": input.node.id,
	}
}

deny contains violation if {
	env := input.node.config.labels.environment
	input.context.environment != ""
	env != input.context.environment
	violation := {
		"message": sprintf("%s is labelled for environment %s but belongs to %s", [input.node.id, env, input.context.environment]),
		"severity": "error",
		"node": input.node.id,
	}
}`,
	}
}

// publicInvokerPolicy flags services anyone can invoke.
func publicInvokerPolicy() Policy {
	return Policy{
		Name:        "public-invoker",
		Description: "Warns when a service binding grants a role to allUsers or allAuthenticatedUsers",
		Severity:    SeverityWarning,
		Tags:        []string{"iam", "security"},
		Kinds:       []engine.Kind{engine.KindIAMPolicyBinding},
		Rego: `package runway.policies.access

import rego.v1

public_members := {"allUsers", "allAuthenticatedUsers"}

deny contains violation if {
	some member in input.node.config.members
	member in public_members
	violation := {
		"message": sprintf("%s grants %s to %s, the service is publicly invokable", [input.node.id, input.node.config.role, member]),
		"severity": "warning",
		"node": input.node.id,
		"remediation": "restrict access.members to specific users, groups or service accounts",
	}
}

deny contains violation if {
	count(object.get(input.node.config, "members", [])) == 0
	violation := {
		"message": sprintf("%s binds %s to no members", [input.node.id, input.node.config.role]),
		"severity": "error",
		"node": input.node.id,
	}
}`,
	}
}

// pinnedImageTagPolicy rejects floating image tags.
func pinnedImageTagPolicy() Policy {
	return Policy{
		Name:        "pinned-image-tag",
		Description: "Images must be tagged with a pinned version, never latest",
		Severity:    SeverityError,
		Tags:        []string{"images", "reproducibility"},
		Kinds:       []engine.Kind{engine.KindImage},
		Rego: `package runway.policies.images

import rego.v1

deny contains violation if {
	object.get(input.node.config, "tag", "") == ""
	violation := {
		"message": sprintf("%s has no tag", [input.node.id]),
		"severity": "error",
		"node": input.node.id,
		"remediation": "set image.tag to a semantic version",
	}
}

deny contains violation if {
	lower(input.node.config.tag) == "latest"
	violation := {
		"message": sprintf("%s uses the floating tag latest", [input.node.id]),
		"severity": "error",
		"node": input.node.id,
		"remediation": "set image.tag to a semantic version",
	}
}`,
	}
}

// dnsRecordTypesPolicy restricts record sets to the types a domain mapping reports.
func dnsRecordTypesPolicy() Policy {
	return Policy{
		Name:        "dns-record-types",
		Description: "Record sets must be A, AAAA or CNAME with a TTL of at least 60 seconds",
		Severity:    SeverityError,
		Tags:        []string{"dns"},
		Kinds:       []engine.Kind{engine.KindDNSRecordSet},
		Rego: `package runway.policies.dns

import rego.v1

allowed_types := {"A", "AAAA", "CNAME"}

deny contains violation if {
	not input.node.config.type in allowed_types
	violation := {
		"message": sprintf("%s has record type %v, allowed types are A, AAAA and CNAME", [input.node.id, object.get(input.node.config, "type", null)]),
		"severity": "error",
		"node": input.node.id,
	}
}

deny contains violation if {
	ttl := input.node.config.ttl
	ttl > 0
	ttl < 60
	violation := {
		"message": sprintf("%s has a TTL of %d seconds, below 60", [input.node.id, ttl]),
		"severity": "warning",
		"node": input.node.id,
	}
}`,
	}
}

// registryFormatPolicy requires docker-format repositories.
func registryFormatPolicy() Policy {
	return Policy{
		Name:        "registry-format",
		Description: "Registries must use the DOCKER repository format",
		Severity:    SeverityError,
		Tags:        []string{"registry"},
		Kinds:       []engine.Kind{engine.KindRegistry},
		Rego: `package runway.policies.registry

import rego.v1

deny contains violation if {
	object.get(input.node.config, "format", "") != "DOCKER"
	violation := {
		"message": sprintf("%s has format %v, images can only be pushed to DOCKER repositories", [input.node.id, object.get(input.node.config, "format", "")]),
		"severity": "error",
		"node": input.node.id,
	}
}`,
	}
}
