// Package provisioner implements a provisioning engine backed by the state
// store.
//
// Submitted configs may contain deferred HCL expressions such as
//
//	[for record in runDomainMapping.resource_records : record.rrdata if record.type == "A"]
//
// which are evaluated against the recorded outputs of the referenced nodes in
// the same environment. Outputs follow the attribute names of the matching
// Terraform resources, so graphs applied locally and synthesized to Terraform
// read the same outputs.
package provisioner
