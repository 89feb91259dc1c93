// Package stack turns an environment description into the canonical
// deployment graph: registry, image, push, service, IAM binding, domain
// mapping and one DNS record set per record type, plus standalone networks.
package stack

import (
	"fmt"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/engine"
)

// Stable node IDs of the canonical pipeline.
const (
	RegistryID      = "artifactRegistry"
	ImageID         = "dockerImage"
	PushID          = "registryImage"
	ServiceID       = "runService"
	IAMPolicyID     = "runServiceIamPolicy"
	DomainMappingID = "runDomainMapping"
)

// RecordSetID returns the node ID of the record set for a record type.
func RecordSetID(recordType string) string {
	return recordType + "RecordSet"
}

// NetworkID returns the node ID of a standalone network.
func NetworkID(name string) string {
	return "network-" + name
}

// RegistryHost returns the docker registry host of a registry location.
func RegistryHost(location string) string {
	return location + "-docker.pkg.dev"
}

// Build creates the graph for an environment and binds its pipeline, named
// after the environment.
func Build(env *config.EnvironmentConfig) (*engine.Graph, error) {
	if env == nil {
		return nil, fmt.Errorf("environment is nil")
	}

	g := engine.NewGraph()
	stages := make(map[engine.Stage][]string)
	add := func(stage engine.Stage, node *engine.Node) error {
		if err := g.AddNode(node); err != nil {
			return fmt.Errorf("failed to add %s: %w", node.ID, err)
		}
		if stage != "" {
			stages[stage] = append(stages[stage], node.ID)
		}
		return nil
	}

	registry := engine.NewNode(RegistryID, engine.KindRegistry, map[string]interface{}{
		"project":       env.Project,
		"location":      env.Registry.Location,
		"repository_id": env.Registry.RepositoryID,
		"format":        env.Registry.Format,
		"labels":        labels(env),
	})
	if err := add(engine.StageRegistered, registry); err != nil {
		return nil, err
	}

	image := engine.NewNode(ImageID, engine.KindImage, map[string]interface{}{
		"image_name": env.Image.Name,
		"tag":        env.Image.Tag,
		"context":    env.Image.Context,
		"platform":   env.Image.Platform,
	})
	image.References = []engine.AttributeRef{
		engine.Ref("repository", RegistryID, "repository_url"),
	}
	if err := add(engine.StageImageBuilt, image); err != nil {
		return nil, err
	}

	push := engine.NewNode(PushID, engine.KindImagePush, map[string]interface{}{})
	push.References = []engine.AttributeRef{
		engine.Ref("name", ImageID, "name"),
	}
	if err := add(engine.StageImagePushed, push); err != nil {
		return nil, err
	}

	serviceConfig := map[string]interface{}{
		"project":  env.Project,
		"name":     env.Service.Name,
		"location": env.Service.Location,
		"labels":   labels(env),
	}
	if env.Service.Port > 0 {
		serviceConfig["port"] = env.Service.Port
	}
	service := engine.NewNode(ServiceID, engine.KindManagedService, serviceConfig)
	service.References = []engine.AttributeRef{
		engine.Ref("image", PushID, "image_ref"),
	}
	if err := add(engine.StageServiceDeployed, service); err != nil {
		return nil, err
	}

	members := make([]interface{}, 0, len(env.Access.Members))
	for _, m := range env.Access.Members {
		members = append(members, m)
	}
	iam := engine.NewNode(IAMPolicyID, engine.KindIAMPolicyBinding, map[string]interface{}{
		"project": env.Project,
		"role":    env.Access.Role,
		"members": members,
	})
	iam.References = []engine.AttributeRef{
		engine.Ref("location", ServiceID, "location"),
		engine.Ref("service", ServiceID, "name"),
	}
	if err := add(engine.StageAccessAuthorized, iam); err != nil {
		return nil, err
	}

	mapping := engine.NewNode(DomainMappingID, engine.KindDomainMapping, map[string]interface{}{
		"project":   env.Project,
		"name":      env.Domain.Name,
		"location":  env.Domain.Location,
		"namespace": env.Project,
	})
	mapping.References = []engine.AttributeRef{
		engine.Ref("route_name", ServiceID, "name"),
	}
	if err := add(engine.StageDomainMapped, mapping); err != nil {
		return nil, err
	}
	// Order only: the domain is mapped once access is authorized.
	if err := g.AddDependency(DomainMappingID, IAMPolicyID, engine.DependencyOrder); err != nil {
		return nil, err
	}

	for _, recordType := range env.Domain.RecordTypes {
		record := engine.NewNode(RecordSetID(recordType), engine.KindDNSRecordSet, map[string]interface{}{
			"project":      env.Project,
			"managed_zone": env.Domain.ManagedZone,
			"name":         env.Domain.Name + ".",
			"type":         recordType,
			"ttl":          env.Domain.TTL,
		})
		record.References = []engine.AttributeRef{{
			Field:      "rrdatas",
			Target:     DomainMappingID,
			Output:     "resource_records",
			Filter:     fmt.Sprintf("record.type == %q", recordType),
			Projection: "record.rrdata",
		}}
		if err := add(engine.StageDNSSynthesized, record); err != nil {
			return nil, err
		}
	}

	for _, network := range env.Networks {
		node := engine.NewNode(NetworkID(network.Name), engine.KindNetwork, map[string]interface{}{
			"project":                 env.Project,
			"name":                    network.Name,
			"auto_create_subnetworks": network.AutoCreateSubnetworks,
		})
		if err := add("", node); err != nil {
			return nil, err
		}
	}

	if err := g.AddPipeline(engine.NewPipeline(env.Name), stages); err != nil {
		return nil, fmt.Errorf("failed to bind pipeline %s: %w", env.Name, err)
	}
	return g, nil
}

func labels(env *config.EnvironmentConfig) map[string]interface{} {
	out := map[string]interface{}{
		"managed-by":  "runway",
		"environment": env.Name,
	}
	for k, v := range env.Labels {
		out[k] = v
	}
	return out
}
