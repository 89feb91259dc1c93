package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

// Parser parses and validates CUE stack descriptions.
type Parser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewParser creates a new CUE parser.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Load parses sources and fails if any validation error was found.
func (p *Parser) Load(ctx context.Context, sources []string) (*ParsedConfig, error) {
	parsed, err := p.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if parsed.HasErrors() {
		return parsed, fmt.Errorf("validation errors: %v", parsed.Errors)
	}
	return parsed, nil
}

// Parse parses CUE configuration from the given sources. Sources may be files
// or directories. Validation problems are reported in ParsedConfig.Errors; the
// returned error is reserved for I/O failures.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = p.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = p.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}

	return p.extractConfig(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := p.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}

	return p.extractConfig(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, p.convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig decodes the workspace and every environment, applying schema
// defaults before struct validation.
func (p *Parser) extractConfig(val cue.Value, sourceFiles []string) *ParsedConfig {
	parsedConfig := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	workspaceVal := val.LookupPath(cue.ParsePath("workspace"))
	if !workspaceVal.Exists() {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "workspace",
			Message:  "workspace block is required",
			Severity: "error",
		})
	} else if err := p.decode("workspace", workspaceVal, &parsedConfig.Workspace); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, p.pathErrors("workspace", err)...)
	}

	var constraint *semver.Constraints
	if mv := parsedConfig.Workspace.MinVersion; mv != "" {
		c, err := semver.NewConstraint(mv)
		if err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				Path:     "workspace.min_version",
				Message:  fmt.Sprintf("invalid version constraint %q: %v", mv, err),
				Severity: "error",
			})
		} else {
			constraint = c
		}
	}

	envsVal := val.LookupPath(cue.ParsePath("environments"))
	if !envsVal.Exists() {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "environments",
			Message:  "at least one environment is required",
			Severity: "error",
		})
		return parsedConfig
	}

	iter, err := envsVal.Fields()
	if err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "environments",
			Message:  fmt.Sprintf("failed to iterate environments: %v", err),
			Severity: "error",
		})
		return parsedConfig
	}

	for iter.Next() {
		name := iter.Selector().Unquoted()
		path := "environments." + name

		var env EnvironmentConfig
		if err := p.decode("environment", iter.Value(), &env); err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, p.pathErrors(path, err)...)
			continue
		}
		env.Name = name

		if err := p.validator.Struct(env); err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("validation failed: %v", err),
				Severity: "error",
			})
			continue
		}

		if verr := checkImageTag(path, env.Image.Tag, constraint); verr != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, *verr)
			continue
		}

		parsedConfig.Environments = append(parsedConfig.Environments, env)
	}

	sort.Slice(parsedConfig.Environments, func(i, j int) bool {
		return parsedConfig.Environments[i].Name < parsedConfig.Environments[j].Name
	})

	if err := p.validator.Struct(parsedConfig.Workspace); err != nil && workspaceVal.Exists() {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "workspace",
			Message:  fmt.Sprintf("validation failed: %v", err),
			Severity: "error",
		})
	}

	return parsedConfig
}

// decode unifies val with a schema and decodes the result into out.
func (p *Parser) decode(schemaName string, val cue.Value, out interface{}) error {
	unified, err := p.schemaRegistry.Apply(schemaName, val)
	if err != nil {
		return err
	}
	return unified.Decode(out)
}

// checkImageTag requires a semantic version tag within the workspace constraint.
func checkImageTag(path, tag string, constraint *semver.Constraints) *ValidationError {
	v, err := semver.NewVersion(tag)
	if err != nil {
		return &ValidationError{
			Path:     path + ".image.tag",
			Message:  fmt.Sprintf("image tag %q is not a semantic version: %v", tag, err),
			Severity: "error",
		}
	}
	if constraint != nil && !constraint.Check(v) {
		return &ValidationError{
			Path:     path + ".image.tag",
			Message:  fmt.Sprintf("image tag %s does not satisfy %s", tag, constraint),
			Severity: "error",
		}
	}
	return nil
}

// pathErrors converts CUE errors and prefixes a path when CUE did not report one.
func (p *Parser) pathErrors(path string, err error) []ValidationError {
	errs := p.convertCUEErrors(err)
	for i := range errs {
		if errs[i].Path == "" {
			errs[i].Path = path
		} else {
			errs[i].Path = path + "." + errs[i].Path
		}
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (p *Parser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// SchemaRegistry returns the schema registry.
func (p *Parser) SchemaRegistry() *SchemaRegistry {
	return p.schemaRegistry
}

// ExportJSON exports the parsed configuration as indented JSON.
func ExportJSON(pc *ParsedConfig) ([]byte, error) {
	return json.MarshalIndent(pc, "", "  ")
}

// FindSources returns every .cue file under dir, sorted.
func FindSources(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && strings.HasPrefix(info.Name(), ".") && path != dir {
			return filepath.SkipDir
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
