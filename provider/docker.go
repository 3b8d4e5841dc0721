package provider

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DockerConfig holds configuration for the local container backend.
type DockerConfig struct {
	Binary     string // container CLI, "docker" or "podman"
	Network    string // docker network for sandboxes, empty disables networking
	WorkDir    string // working directory inside the container
	NamePrefix string // container name prefix
}

// DockerClient implements Client against a local container daemon. All
// daemon interaction goes through the CLI via CommandRunner so the
// transport can be stubbed in tests.
type DockerClient struct {
	logger    *zap.Logger
	config    *DockerConfig
	cmdRunner CommandRunner
	fs        FileSystem
}

// DockerClientOption defines a functional option for DockerClient
type DockerClientOption func(*DockerClient)

// WithDockerCommandRunner sets the CommandRunner for DockerClient
func WithDockerCommandRunner(cmdRunner CommandRunner) DockerClientOption {
	return func(d *DockerClient) {
		d.cmdRunner = cmdRunner
	}
}

// WithDockerFileSystem sets the FileSystem for DockerClient
func WithDockerFileSystem(fs FileSystem) DockerClientOption {
	return func(d *DockerClient) {
		d.fs = fs
	}
}

// NewDockerClient creates a new DockerClient with default implementations and optional interfaces
func NewDockerClient(logger *zap.Logger, config *DockerConfig, opts ...DockerClientOption) *DockerClient {
	if config.Binary == "" {
		config.Binary = "docker"
	}
	if config.WorkDir == "" {
		config.WorkDir = "/sandbox"
	}
	if config.NamePrefix == "" {
		config.NamePrefix = "sandboxd"
	}

	client := &DockerClient{
		logger:    logger,
		config:    config,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ExclusiveExecution reports whether executions must be serialized.
// docker exec supports concurrent sessions against one container.
func (*DockerClient) ExclusiveExecution() bool { return false }

// Create provisions a long-lived sandbox container and returns its handle.
func (d *DockerClient) Create(ctx context.Context, env Environment, limits Limits) (*Handle, error) {
	if env.Image == "" {
		return nil, &ProvisionError{Kind: KindLocal, Environment: env.Name, Reason: "environment has no container image"}
	}

	name := fmt.Sprintf("%s-%s", d.config.NamePrefix, uuid.NewString()[:8])

	args := []string{
		d.config.Binary, "run", "-d",
		"--name", name,
		"--label", "sandboxd.environment=" + env.Name,
		"--workdir", d.config.WorkDir,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
		"--pids-limit", "512",
	}

	if limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", limits.MemoryMB))
	}
	if limits.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", limits.CPUs))
	}
	if d.config.Network != "" {
		args = append(args, "--network", d.config.Network)
	} else {
		args = append(args, "--network", "none")
	}

	// Keep the container alive between tool calls.
	args = append(args, env.Image, "sleep", "infinity")

	stdout, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, fmt.Errorf("creating sandbox container: %w", ErrCancelled)
		}
		// The daemon being unreachable is worth retrying.
		return nil, &ProvisionError{Kind: KindLocal, Environment: env.Name, Reason: "container runtime unavailable", Err: MarkTransient(err)}
	}
	if exitCode != 0 {
		if daemonUnavailable(stderr) {
			return nil, &ProvisionError{Kind: KindLocal, Environment: env.Name, Reason: "container daemon not responding", Err: MarkTransient(fmt.Errorf("%s", strings.TrimSpace(stderr)))}
		}
		return nil, &ProvisionError{Kind: KindLocal, Environment: env.Name, Reason: strings.TrimSpace(stderr)}
	}

	containerID := strings.TrimSpace(stdout)
	d.logger.Info("sandbox container created",
		zap.String("container_id", containerID),
		zap.String("environment", env.Name),
		zap.String("image", env.Image))

	return &Handle{
		ID:        containerID,
		Kind:      KindLocal,
		Endpoint:  name,
		Limits:    limits,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Execute runs code inside the sandbox container via docker exec.
func (d *DockerClient) Execute(ctx context.Context, handle *Handle, code, language string, timeout time.Duration) (Result, error) {
	fileName, err := codeFileName(language)
	if err != nil {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: err.Error()}
	}

	codePath := filepath.Join(d.config.WorkDir, fileName)
	if writeErr := d.WriteFile(ctx, handle, codePath, []byte(code)); writeErr != nil {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: "staging code into sandbox", Err: writeErr}
	}

	runCmd, err := runCommand(language, fileName)
	if err != nil {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: err.Error()}
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		d.config.Binary, "exec",
		"--workdir", d.config.WorkDir,
		handle.ID,
		"sh", "-c", runCmd,
	}

	stdout, stderr, exitCode, runErr := d.cmdRunner.RunCommand(ctxWithTimeout, args)

	// The container is deliberately left running on timeout; the caller
	// decides whether to tear it down.
	if ctxWithTimeout.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Result{}, &TimeoutError{
			SandboxID: handle.ID,
			Timeout:   timeout,
			Partial:   Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode},
		}
	}
	if ctx.Err() == context.Canceled {
		return Result{}, fmt.Errorf("executing in sandbox %s: %w", handle.ID, ErrCancelled)
	}
	if runErr != nil {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: "container exec failed", Err: MarkTransient(runErr)}
	}
	if exitCode != 0 && daemonUnavailable(stderr) {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: "container daemon not responding", Err: MarkTransient(fmt.Errorf("%s", strings.TrimSpace(stderr)))}
	}

	// A nonzero exit status from user code is a normal result, not an error.
	return Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// ReadFile copies a file out of the container and returns its content.
func (d *DockerClient) ReadFile(ctx context.Context, handle *Handle, path string) ([]byte, error) {
	tempDir, err := d.fs.MkdirTemp("", "sandboxd-read-*")
	if err != nil {
		return nil, &FileAccessError{Path: path, Err: err}
	}
	defer func() {
		if rmErr := d.fs.RemoveAll(tempDir); rmErr != nil {
			d.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	hostPath := filepath.Join(tempDir, "out")
	args := []string{d.config.Binary, "cp", fmt.Sprintf("%s:%s", handle.ID, path), hostPath}

	_, stderr, exitCode, runErr := d.cmdRunner.RunCommand(ctx, args)
	if runErr != nil {
		return nil, &FileAccessError{Path: path, Err: MarkTransient(runErr)}
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "No such") || strings.Contains(stderr, "not found") {
			return nil, &FileNotFoundError{Path: path}
		}
		return nil, &FileAccessError{Path: path, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	}

	return d.fs.ReadFile(hostPath)
}

// WriteFile copies content into the container at the given path.
func (d *DockerClient) WriteFile(ctx context.Context, handle *Handle, path string, data []byte) error {
	tempDir, err := d.fs.MkdirTemp("", "sandboxd-write-*")
	if err != nil {
		return &FileAccessError{Path: path, Err: err}
	}
	defer func() {
		if rmErr := d.fs.RemoveAll(tempDir); rmErr != nil {
			d.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	hostPath := filepath.Join(tempDir, filepath.Base(path))
	if writeErr := d.fs.WriteFile(hostPath, data, FilePermission); writeErr != nil {
		return &FileAccessError{Path: path, Err: writeErr}
	}

	args := []string{d.config.Binary, "cp", hostPath, fmt.Sprintf("%s:%s", handle.ID, path)}
	_, stderr, exitCode, runErr := d.cmdRunner.RunCommand(ctx, args)
	if runErr != nil {
		return &FileAccessError{Path: path, Err: MarkTransient(runErr)}
	}
	if exitCode != 0 {
		return &FileAccessError{Path: path, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	}
	return nil
}

// ListFiles lists entries in a directory inside the container.
func (d *DockerClient) ListFiles(ctx context.Context, handle *Handle, dir string) ([]string, error) {
	args := []string{d.config.Binary, "exec", handle.ID, "ls", "-1A", dir}

	stdout, stderr, exitCode, runErr := d.cmdRunner.RunCommand(ctx, args)
	if runErr != nil {
		return nil, &FileAccessError{Path: dir, Err: MarkTransient(runErr)}
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "No such") {
			return nil, &FileNotFoundError{Path: dir}
		}
		return nil, &FileAccessError{Path: dir, Err: fmt.Errorf("%s", strings.TrimSpace(stderr))}
	}

	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Destroy force-removes the sandbox container. Removing a container
// that no longer exists is a no-op success so the call can be retried
// after an ambiguous failure.
func (d *DockerClient) Destroy(ctx context.Context, handle *Handle) error {
	args := []string{d.config.Binary, "rm", "-f", handle.ID}

	_, stderr, exitCode, runErr := d.cmdRunner.RunCommand(ctx, args)
	if runErr != nil {
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("destroying sandbox %s: %w", handle.ID, ErrCancelled)
		}
		return MarkTransient(fmt.Errorf("destroying sandbox %s: %w", handle.ID, runErr))
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "No such container") {
			return nil
		}
		if daemonUnavailable(stderr) {
			return MarkTransient(fmt.Errorf("destroying sandbox %s: %s", handle.ID, strings.TrimSpace(stderr)))
		}
		return fmt.Errorf("destroying sandbox %s: %s", handle.ID, strings.TrimSpace(stderr))
	}

	d.logger.Info("sandbox container destroyed", zap.String("container_id", handle.ID))
	return nil
}

func daemonUnavailable(stderr string) bool {
	return strings.Contains(stderr, "Cannot connect to the Docker daemon") ||
		strings.Contains(stderr, "connection refused") ||
		strings.Contains(stderr, "daemon not running")
}

// Language name constants
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageBash   = "bash"
)

func codeFileName(language string) (string, error) {
	switch language {
	case LanguagePython:
		return "main.py", nil
	case LanguageNodeJS:
		return "index.js", nil
	case LanguageBash:
		return "main.sh", nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}

func runCommand(language, fileName string) (string, error) {
	switch language {
	case LanguagePython:
		return fmt.Sprintf("python3 %s", fileName), nil
	case LanguageNodeJS:
		return fmt.Sprintf("node %s", fileName), nil
	case LanguageBash:
		return fmt.Sprintf("sh %s", fileName), nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}
