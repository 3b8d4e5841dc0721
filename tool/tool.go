package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/isdmx/sandboxd/provider"
)

// Invocation is a single tool request. It is not persisted beyond the
// call.
type Invocation struct {
	Tool    string
	Args    map[string]any
	Timeout time.Duration // zero means use the system ceiling
}

// Result carries the outcome of a tool call. Stdout and Stderr are
// always present, possibly empty, so callers can show partial output
// even when the call failed.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Values    map[string]any
	Artifacts []provider.Artifact
}

// Target is the sandbox a tool executes against.
type Target struct {
	Client  provider.Client
	Handle  *provider.Handle
	Runtime string // session default language for execute_code
}

// Definition describes a tool to callers: its name, description and
// JSON-schema-shaped parameter declaration.
type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
}

// Tool is a named, schema-validated operation executable inside a
// session's sandbox.
type Tool interface {
	Name() string
	Definition() Definition

	// Validate checks the argument mapping before any provider call.
	Validate(args map[string]any) error

	Exec(ctx context.Context, target Target, args map[string]any) (Result, error)
}

// InvalidArgumentsError indicates a malformed argument mapping or an
// unknown tool name. It is raised before any provider call.
type InvalidArgumentsError struct {
	Tool   string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Reason)
}

// PayloadTooLargeError indicates a file-write payload above the
// configured maximum.
type PayloadTooLargeError struct {
	Size int
	Max  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds maximum of %d bytes", e.Size, e.Max)
}

// ParseError indicates analyze_data could not find its structured
// output marker. The raw stdout/stderr stay in the Result.
type ParseError struct {
	Marker string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("structured output marker %q not found in execution output", e.Marker)
}

// stringArg extracts a required string argument.
func stringArg(tool string, args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", &InvalidArgumentsError{Tool: tool, Reason: fmt.Sprintf("missing required argument %q", key)}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &InvalidArgumentsError{Tool: tool, Reason: fmt.Sprintf("argument %q must be a string", key)}
	}
	if s == "" {
		return "", &InvalidArgumentsError{Tool: tool, Reason: fmt.Sprintf("argument %q must not be empty", key)}
	}
	return s, nil
}

// optionalStringArg extracts an optional string argument with a default.
func optionalStringArg(tool string, args map[string]any, key, fallback string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &InvalidArgumentsError{Tool: tool, Reason: fmt.Sprintf("argument %q must be a string", key)}
	}
	if s == "" {
		return fallback, nil
	}
	return s, nil
}
