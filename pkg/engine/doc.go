// Package engine provides the resource graph, attribute resolution and apply
// orchestration at the core of runway.
//
// # Overview
//
// A deployment is described as a Graph of Nodes. Each node is one
// infrastructure object (registry, image, image push, managed service, IAM
// binding, domain mapping, DNS record set or network). Edges come from three
// places:
//
//   - DependsOn / AddDependency: explicit ordering with no data flow
//   - AddReference: an AttributeRef whose value is read from another node's outputs
//   - AddDependency with DependencyOrder: ordering convenience only
//
// The graph rejects any edge that would close a cycle at the moment it is
// added and stays unchanged after the rejected call, so a built graph is always
// a DAG. TopologicalOrder breaks ties by insertion order, which keeps apply
// order identical across runs on the same description.
//
// # Attribute References
//
// An AttributeRef points at an output of another node and optionally filters
// and projects record-shaped outputs with Starlark expressions over `record`:
//
//	engine.AttributeRef{
//	    Field:      "rrdatas",
//	    Target:     "runDomainMapping",
//	    Output:     "resource_records",
//	    Filter:     `record.type == "A"`,
//	    Projection: "record.rrdata",
//	}
//
// The Resolver returns a concrete value once the target is provisioned and a
// Deferred HCL expression before that:
//
//	${[for record in runDomainMapping.resource_records : record.rrdata if record.type == "A"]}
//
// # Pipelines
//
// A Pipeline is the strictly sequential stage machine of one deployable unit:
//
//	pending -> registered -> image_built -> image_pushed -> service_deployed
//	        -> access_authorized -> domain_mapped -> dns_synthesized
//
// Graph.AddPipeline binds each stage to the nodes that complete it. The
// orchestrator advances the pipeline as those nodes succeed.
//
// # Orchestration
//
// The Orchestrator seals the graph, walks it in topological order, resolves
// each node's references against its dependencies' outputs and dispatches it:
// image nodes go to the ImageBuilder, push nodes to the ImagePusher, everything
// else to the ProvisioningEngine. The first failure halts the run. Nodes in
// flight finish; nodes not yet started are reported skipped. The error carries
// the failing node ID:
//
//	run, err := orch.Apply(ctx, graph)
//	var pushErr *engine.PushError
//	if errors.As(err, &pushErr) {
//	    log.Printf("push of %s failed", pushErr.NodeID)
//	}
//
// With Options.MaxParallel above one, independent nodes run concurrently. A
// node still starts only after every dependency has reported outputs, and
// outputs are written once per node.
//
// # Error Classification
//
// Graph construction errors (DuplicateIDError, UnknownTargetError,
// CycleDetectedError) reject a description before anything is provisioned.
// Pipeline errors (BuildError, PushError, ProvisionError, ResolveError) halt
// the current run. Engine-level failures use the classed EngineError:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
// Retries belong to the collaborators. The engine never retries a node.
package engine
