// Package policy evaluates Open Policy Agent (OPA) Rego policies against the
// nodes of a deployment graph.
//
// Every policy is a Rego module whose deny set lists violations. Each element
// is either a string or an object with message, severity, node and
// remediation fields:
//
//	package runway.policies.images
//
//	import rego.v1
//
//	deny contains violation if {
//	    lower(input.node.config.tag) == "latest"
//	    violation := {
//	        "message": sprintf("%s uses the floating tag latest", [input.node.id]),
//	        "severity": "error",
//	        "node": input.node.id,
//	    }
//	}
//
// The input document is a PolicyInput: input.node carries the node id, kind,
// static config, dependencies and the fields filled by references, and
// input.context carries the environment and the command being run.
//
// Violations with severity error or critical make a result disallowed.
// Whether a disallowed result blocks an apply depends on the workspace policy
// mode (advisory or enforcing) and its on_violation action (warn or fail).
//
// # Built-in Policies
//
//  1. resource-naming - lowercase RFC 1035 names for services, networks and repositories
//  2. required-labels - environment and managed-by labels on registries and services
//  3. public-invoker - warns when a service is bound to allUsers or allAuthenticatedUsers
//  4. pinned-image-tag - rejects missing and latest image tags
//  5. dns-record-types - A, AAAA and CNAME record sets only
//  6. registry-format - DOCKER repositories only
//
// # Custom Policies
//
// The Loader reads .rego files (named after the file, with optional
// "# severity:" and "# kinds:" header comments) and .json policy
// definitions from files and directories. Watch reloads them with fsnotify:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ReloadPolicies(ctx, policies)
//	})
package policy
