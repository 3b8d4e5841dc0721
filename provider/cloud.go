package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Cloud API defaults. cloudRequestTimeout bounds control-plane and
// file requests only; executions run under the invocation deadline.
const (
	cloudDefaultTimeoutSec = 300
	cloudRequestTimeout    = 60 * time.Second
	cloudExecPort          = 49983
)

// CloudConfig holds configuration for the hosted sandbox service.
// Credentials and endpoints are injected, never hard-coded.
type CloudConfig struct {
	APIKey          string
	APIURL          string // control plane, e.g. https://api.sandbox.example
	Domain          string // per-sandbox endpoint domain
	DefaultTemplate string
	// ExecURLOverride forces all per-sandbox calls to one base URL.
	// Used in tests; empty in production.
	ExecURLOverride string
}

// CloudClient implements Client against the hosted sandbox service.
// The control plane provisions and destroys sandboxes; execution and
// file I/O go to a per-sandbox agent endpoint.
type CloudClient struct {
	logger     *zap.Logger
	config     *CloudConfig
	httpClient *http.Client
}

// CloudClientOption defines a functional option for CloudClient
type CloudClientOption func(*CloudClient)

// WithCloudHTTPClient sets the HTTP client for CloudClient
func WithCloudHTTPClient(httpClient *http.Client) CloudClientOption {
	return func(c *CloudClient) {
		c.httpClient = httpClient
	}
}

// NewCloudClient creates a new CloudClient
func NewCloudClient(logger *zap.Logger, config *CloudConfig, opts ...CloudClientOption) (*CloudClient, error) {
	if config == nil || config.APIKey == "" {
		return nil, fmt.Errorf("cloud sandbox API key is required")
	}
	if config.APIURL == "" {
		return nil, fmt.Errorf("cloud sandbox API URL is required")
	}
	if config.DefaultTemplate == "" {
		config.DefaultTemplate = "base"
	}

	// No flat client timeout: an execution may legitimately run to the
	// invocation ceiling, so every request carries a context deadline
	// instead.
	client := &CloudClient{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// ExclusiveExecution reports whether executions must be serialized.
// The hosted service runs concurrent commands per sandbox.
func (*CloudClient) ExclusiveExecution() bool { return false }

type cloudCreateRequest struct {
	TemplateID string            `json:"templateID"`
	TimeoutSec int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type cloudCreateResponse struct {
	SandboxID string `json:"sandboxID"`
	Domain    string `json:"domain"`
}

// Create provisions a cloud sandbox from the environment's template.
func (c *CloudClient) Create(ctx context.Context, env Environment, limits Limits) (*Handle, error) {
	template := env.Template
	if template == "" {
		template = c.config.DefaultTemplate
	}
	timeoutSec := limits.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = cloudDefaultTimeoutSec
	}

	body, err := json.Marshal(cloudCreateRequest{
		TemplateID: template,
		TimeoutSec: timeoutSec,
		Metadata:   map[string]string{"environment": env.Name},
	})
	if err != nil {
		return nil, &ProvisionError{Kind: KindCloud, Environment: env.Name, Reason: "encoding create request", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, cloudRequestTimeout)
	defer cancel()

	status, respBody, err := c.do(reqCtx, http.MethodPost, c.config.APIURL+"/sandboxes", body, "application/json")
	if err != nil {
		return nil, &ProvisionError{Kind: KindCloud, Environment: env.Name, Reason: "create request failed", Err: classifyNetErr(ctx, err)}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, &ProvisionError{Kind: KindCloud, Environment: env.Name,
			Reason: fmt.Sprintf("create returned %d: %s", status, truncate(respBody)),
			Err:    classifyStatus(status)}
	}

	var created cloudCreateResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, &ProvisionError{Kind: KindCloud, Environment: env.Name, Reason: "decoding create response", Err: err}
	}
	if created.SandboxID == "" {
		return nil, &ProvisionError{Kind: KindCloud, Environment: env.Name, Reason: "create response missing sandbox id"}
	}

	domain := created.Domain
	if domain == "" {
		domain = c.config.Domain
	}

	c.logger.Info("cloud sandbox created",
		zap.String("sandbox_id", created.SandboxID),
		zap.String("template", template),
		zap.String("environment", env.Name))

	return &Handle{
		ID:        created.SandboxID,
		Kind:      KindCloud,
		Endpoint:  c.sandboxBaseURL(created.SandboxID, domain),
		Limits:    limits,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type cloudExecRequest struct {
	Code       string `json:"code"`
	Language   string `json:"language"`
	TimeoutSec int    `json:"timeout"`
}

type cloudExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`

	Artifacts []struct {
		Path        string `json:"path"`
		ContentType string `json:"contentType"`
		Data        []byte `json:"data"`
	} `json:"artifacts,omitempty"`
}

// Execute runs code in the cloud sandbox. The service reports a
// sandbox-level fault in the response error field; user code exiting
// nonzero comes back as a plain result.
func (c *CloudClient) Execute(ctx context.Context, handle *Handle, code, language string, timeout time.Duration) (Result, error) {
	body, err := json.Marshal(cloudExecRequest{
		Code:       code,
		Language:   language,
		TimeoutSec: int(timeout.Seconds()),
	})
	if err != nil {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: "encoding execute request", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, respBody, err := c.do(execCtx, http.MethodPost, handle.Endpoint+"/executions", body, "application/json")
	if err != nil {
		switch {
		case ctx.Err() == context.Canceled || errors.Is(err, context.Canceled):
			return Result{}, fmt.Errorf("executing in sandbox %s: %w", handle.ID, ErrCancelled)
		case errors.Is(err, context.DeadlineExceeded):
			return Result{}, &TimeoutError{SandboxID: handle.ID, Timeout: timeout}
		default:
			return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: "execute request failed", Err: MarkTransient(err)}
		}
	}
	if status != http.StatusOK {
		return Result{}, &ExecutionError{SandboxID: handle.ID,
			Reason: fmt.Sprintf("execute returned %d: %s", status, truncate(respBody)),
			Err:    classifyStatus(status)}
	}

	var exec cloudExecResponse
	if err := json.Unmarshal(respBody, &exec); err != nil {
		return Result{}, &ExecutionError{SandboxID: handle.ID, Reason: "decoding execute response", Err: err}
	}

	result := Result{Stdout: exec.Stdout, Stderr: exec.Stderr, ExitCode: exec.ExitCode}
	for _, a := range exec.Artifacts {
		result.Artifacts = append(result.Artifacts, Artifact{Path: a.Path, ContentType: a.ContentType, Data: a.Data})
	}

	if exec.Error != "" {
		// The sandbox runtime itself faulted; the partial streams still
		// travel with the result inside the error for the caller.
		return result, &ExecutionError{SandboxID: handle.ID, Reason: exec.Error}
	}

	return result, nil
}

// ReadFile fetches a file from the sandbox filesystem.
func (c *CloudClient) ReadFile(ctx context.Context, handle *Handle, path string) ([]byte, error) {
	u := fmt.Sprintf("%s/files?path=%s", handle.Endpoint, url.QueryEscape(path))

	reqCtx, cancel := context.WithTimeout(ctx, cloudRequestTimeout)
	defer cancel()

	status, respBody, err := c.do(reqCtx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, &FileAccessError{Path: path, Err: classifyNetErr(ctx, err)}
	}
	switch status {
	case http.StatusOK:
		return respBody, nil
	case http.StatusNotFound:
		return nil, &FileNotFoundError{Path: path}
	default:
		return nil, &FileAccessError{Path: path, Err: fmt.Errorf("read returned %d: %s", status, truncate(respBody))}
	}
}

// WriteFile uploads a file into the sandbox filesystem.
func (c *CloudClient) WriteFile(ctx context.Context, handle *Handle, path string, data []byte) error {
	u := fmt.Sprintf("%s/files?path=%s", handle.Endpoint, url.QueryEscape(path))

	reqCtx, cancel := context.WithTimeout(ctx, cloudRequestTimeout)
	defer cancel()

	status, respBody, err := c.do(reqCtx, http.MethodPost, u, data, "application/octet-stream")
	if err != nil {
		return &FileAccessError{Path: path, Err: classifyNetErr(ctx, err)}
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return &FileAccessError{Path: path, Err: fmt.Errorf("write returned %d: %s", status, truncate(respBody))}
	}
	return nil
}

// ListFiles lists directory entries in the sandbox filesystem.
func (c *CloudClient) ListFiles(ctx context.Context, handle *Handle, dir string) ([]string, error) {
	u := fmt.Sprintf("%s/files?path=%s&list=true", handle.Endpoint, url.QueryEscape(dir))

	reqCtx, cancel := context.WithTimeout(ctx, cloudRequestTimeout)
	defer cancel()

	status, respBody, err := c.do(reqCtx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, &FileAccessError{Path: dir, Err: classifyNetErr(ctx, err)}
	}
	switch status {
	case http.StatusOK:
		var entries []struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(respBody, &entries); err != nil {
			return nil, &FileAccessError{Path: dir, Err: fmt.Errorf("decoding listing: %w", err)}
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		return names, nil
	case http.StatusNotFound:
		return nil, &FileNotFoundError{Path: dir}
	default:
		return nil, &FileAccessError{Path: dir, Err: fmt.Errorf("list returned %d: %s", status, truncate(respBody))}
	}
}

// Destroy releases the cloud sandbox. A 404 means the sandbox is
// already gone, which is a success: destroy may be retried after an
// ambiguous network failure.
func (c *CloudClient) Destroy(ctx context.Context, handle *Handle) error {
	u := fmt.Sprintf("%s/sandboxes/%s", c.config.APIURL, url.PathEscape(handle.ID))

	reqCtx, cancel := context.WithTimeout(ctx, cloudRequestTimeout)
	defer cancel()

	status, respBody, err := c.do(reqCtx, http.MethodDelete, u, nil, "")
	if err != nil {
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("destroying sandbox %s: %w", handle.ID, ErrCancelled)
		}
		return MarkTransient(fmt.Errorf("destroying sandbox %s: %w", handle.ID, err))
	}
	switch {
	case status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound:
		c.logger.Info("cloud sandbox destroyed", zap.String("sandbox_id", handle.ID))
		return nil
	case status >= 500:
		return MarkTransient(fmt.Errorf("destroying sandbox %s: service returned %d: %s", handle.ID, status, truncate(respBody)))
	default:
		return fmt.Errorf("destroying sandbox %s: service returned %d: %s", handle.ID, status, truncate(respBody))
	}
}

func (c *CloudClient) sandboxBaseURL(sandboxID, domain string) string {
	if c.config.ExecURLOverride != "" {
		return c.config.ExecURLOverride
	}
	return fmt.Sprintf("https://%d-%s.%s", cloudExecPort, sandboxID, domain)
}

func (c *CloudClient) do(ctx context.Context, method, u string, body []byte, contentType string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-API-Key", c.config.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// classifyStatus maps an HTTP status to a transient or permanent fault.
// 5xx responses are retryable; quota denial and client errors are not.
func classifyStatus(status int) error {
	err := fmt.Errorf("http status %d", status)
	if status >= 500 {
		return MarkTransient(err)
	}
	return err
}

// classifyNetErr keeps caller cancellation distinct from network faults.
func classifyNetErr(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return MarkTransient(err)
}

func truncate(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
