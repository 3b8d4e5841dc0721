package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Kind identifies a sandbox backend.
type Kind string

// Supported backend kinds.
const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// Valid reports whether k names a known backend.
func (k Kind) Valid() bool {
	return k == KindLocal || k == KindCloud
}

// Limits holds the resource ceilings applied to a sandbox instance.
type Limits struct {
	CPUs       int
	MemoryMB   int
	TimeoutSec int
}

// Environment is a resolved environment descriptor. The registry/config
// collaborator resolves a name like "py-basic" into one of these; the
// orchestrator and providers never parse declarative config themselves.
type Environment struct {
	Name     string
	Image    string // container image (local backend)
	Template string // sandbox template id (cloud backend)
	Runtime  string // default execution language, e.g. "python"
	Limits   Limits
}

// Handle binds a session to a concrete provider instance. It is owned
// exclusively by its session and never shared.
type Handle struct {
	ID        string // provider-assigned instance id
	Kind      Kind
	Endpoint  string // network endpoint (cloud) or local reference
	Limits    Limits
	CreatedAt time.Time
}

// Artifact is a file captured from a sandbox, e.g. a rendered chart.
type Artifact struct {
	Path        string
	ContentType string
	Data        []byte
}

// Result is the outcome of a code execution. A process that exits
// nonzero but returns control to the sandbox is a successful Result
// with populated Stderr and ExitCode; errors are reserved for faults
// of the sandbox itself.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Artifacts []Artifact
}

// Client is the capability interface implemented per backend.
//
// Destroy MUST be idempotent: destroying an already-destroyed or
// never-created handle is a no-op success, because destruction may be
// retried after an ambiguous network failure.
type Client interface {
	Create(ctx context.Context, env Environment, limits Limits) (*Handle, error)
	Execute(ctx context.Context, handle *Handle, code, language string, timeout time.Duration) (Result, error)
	ReadFile(ctx context.Context, handle *Handle, path string) ([]byte, error)
	WriteFile(ctx context.Context, handle *Handle, path string, data []byte) error
	ListFiles(ctx context.Context, handle *Handle, dir string) ([]string, error)
	Destroy(ctx context.Context, handle *Handle) error

	// ExclusiveExecution reports whether the backend requires tool
	// executions against one handle to be serialized.
	ExclusiveExecution() bool
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for host file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)
