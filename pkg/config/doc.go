// Package config parses runway stack descriptions written in CUE.
//
// # Overview
//
// A description has one workspace block and a map of environments. Each
// environment is unified with the built-in #Environment schema, which rejects
// unknown fields and fills defaults, then decoded into EnvironmentConfig and
// checked with struct validation tags.
//
// # Usage Example
//
//	parser := config.NewParser()
//	cfg, err := parser.Load(ctx, []string{"runway.cue"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	env, err := cfg.Environment("prod")
//
// # CUE Configuration Structure
//
//	workspace: {
//	    name:        "playground"
//	    min_version: ">= 1.0.0"
//	    state: path: ".runway/state.db"
//	}
//
//	environments: prod: {
//	    project: "playground-375515"
//	    region:  "northamerica-northeast2"
//	    registry: repository_id: "playground"
//	    image: {name: "web", tag: "1.0.0", context: "./app"}
//	    service: {name: "web", location: "us-east1"}
//	    domain: {name: "example.me", managed_zone: "example-me"}
//	    networks: [{name: "terraform-network"}]
//	}
//
// Defaults applied by the schema:
//
//   - registry.location and service.location default to region
//   - registry.format is DOCKER
//   - image.context is "." and image.platform is linux/amd64
//   - access grants roles/run.invoker to allUsers
//   - domain.location follows service.location
//   - domain.record_types is ["A", "AAAA"] with a TTL of 300
//
// # Versions
//
// Image tags must be semantic versions. When workspace.min_version is set,
// every tag must satisfy it.
//
// # Error Handling
//
// Parse reports validation problems in ParsedConfig.Errors with file
// positions and CUE paths; Load turns them into an error.
package config
