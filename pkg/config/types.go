package config

import (
	"fmt"
	"time"
)

// WorkspaceConfig represents the workspace configuration.
type WorkspaceConfig struct {
	// Name is the workspace name.
	Name string `json:"name" validate:"required"`

	// Version is the configuration version.
	Version string `json:"version,omitempty"`

	// MinVersion is a semantic version constraint every image tag must satisfy
	// (e.g., ">= 1.2.0").
	MinVersion string `json:"min_version,omitempty"`

	// State configures the local state database.
	State *StateConfig `json:"state,omitempty"`

	// Policy configures policy enforcement.
	Policy *PolicyConfig `json:"policy,omitempty"`

	// Engine tunes the apply orchestrator.
	Engine *EngineConfig `json:"engine,omitempty"`
}

// StateConfig configures the sqlite state database.
type StateConfig struct {
	// Path is the database file path.
	Path string `json:"path" validate:"required"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `json:"enabled"`

	// Paths lists policy file or directory paths.
	Paths []string `json:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`

	// OnViolation specifies the action on violation (warn, fail).
	OnViolation string `json:"on_violation,omitempty" validate:"omitempty,oneof=warn fail"`
}

// EngineConfig tunes the apply orchestrator.
type EngineConfig struct {
	// MaxParallel is the maximum number of nodes applied concurrently.
	MaxParallel int `json:"max_parallel,omitempty" validate:"omitempty,min=1,max=64"`

	// DeferTransforms hands filtered references to the provisioning engine as
	// expressions instead of resolving them locally.
	DeferTransforms bool `json:"defer_transforms,omitempty"`
}

// EnvironmentConfig describes one deployable environment: a registry, an image,
// the service running it, its public access, its custom domain and any
// standalone networks.
type EnvironmentConfig struct {
	// Name is the environment key (e.g., "prod").
	Name string `json:"name" validate:"required"`

	// Project is the cloud project ID.
	Project string `json:"project" validate:"required"`

	// Region is the default region.
	Region string `json:"region" validate:"required"`

	// Zone is the default zone.
	Zone string `json:"zone,omitempty"`

	Registry RegistryConfig `json:"registry"`
	Image    ImageConfig    `json:"image"`
	Service  ServiceConfig  `json:"service"`
	Access   AccessConfig   `json:"access"`
	Domain   DomainConfig   `json:"domain"`

	// Networks are standalone VPC networks.
	Networks []NetworkConfig `json:"networks,omitempty" validate:"dive"`

	// Labels are applied to every resource that supports them.
	Labels map[string]string `json:"labels,omitempty"`
}

// RegistryConfig describes the artifact registry repository.
type RegistryConfig struct {
	Location     string `json:"location" validate:"required"`
	RepositoryID string `json:"repository_id" validate:"required"`
	Format       string `json:"format" validate:"required,oneof=DOCKER"`
}

// ImageConfig describes the container image build.
type ImageConfig struct {
	Name string `json:"name" validate:"required"`

	// Tag must be a semantic version.
	Tag string `json:"tag" validate:"required"`

	// Context is the docker build context directory.
	Context string `json:"context" validate:"required"`

	Platform string `json:"platform,omitempty"`
}

// ServiceConfig describes the managed service.
type ServiceConfig struct {
	Name     string `json:"name" validate:"required"`
	Location string `json:"location" validate:"required"`
	Port     int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// AccessConfig describes the IAM binding on the service.
type AccessConfig struct {
	Role    string   `json:"role" validate:"required"`
	Members []string `json:"members" validate:"required,min=1"`
}

// DomainConfig describes the custom domain and the record sets derived from it.
type DomainConfig struct {
	// Name is the domain, without trailing dot.
	Name string `json:"name" validate:"required,fqdn"`

	// Location is the domain mapping location. Defaults to the service location.
	Location string `json:"location,omitempty"`

	// ManagedZone is the DNS zone the record sets are written to.
	ManagedZone string `json:"managed_zone" validate:"required"`

	// RecordTypes lists the record types synthesized from the mapping.
	RecordTypes []string `json:"record_types" validate:"required,min=1,dive,oneof=A AAAA CNAME"`

	TTL int `json:"ttl,omitempty" validate:"omitempty,min=1"`
}

// NetworkConfig describes a standalone VPC network.
type NetworkConfig struct {
	Name                  string `json:"name" validate:"required"`
	AutoCreateSubnetworks bool   `json:"auto_create_subnetworks"`
}

// ParsedConfig represents the fully parsed configuration from CUE.
type ParsedConfig struct {
	// Workspace is the workspace configuration.
	Workspace WorkspaceConfig `json:"workspace"`

	// Environments are the declared environments, sorted by name.
	Environments []EnvironmentConfig `json:"environments"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether parsing produced errors.
func (pc *ParsedConfig) HasErrors() bool {
	for _, e := range pc.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Environment returns the named environment.
func (pc *ParsedConfig) Environment(name string) (*EnvironmentConfig, error) {
	for i := range pc.Environments {
		if pc.Environments[i].Name == name {
			return &pc.Environments[i], nil
		}
	}
	return nil, fmt.Errorf("environment %q not found", name)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "environments.prod.image.tag").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		if e.Path != "" {
			loc += " " + e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}
