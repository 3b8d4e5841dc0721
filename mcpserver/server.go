// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes
// session lifecycle and tool invocation operations. It uses the
// mark3labs/mcp-go library to handle the protocol details; all sandbox
// semantics live in the orchestrator.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/orchestrator"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/tool"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	orch      *orchestrator.Orchestrator
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, orch *orchestrator.Orchestrator) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		orch:   orch,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("providers.default", s.config.Providers.Default),
		zap.Bool("providers.docker.enabled", s.config.Providers.Docker.Enabled),
		zap.Bool("providers.cloud.enabled", s.config.Providers.Cloud.Enabled),
		zap.Uint("retry.create_attempts", s.config.Retry.CreateAttempts),
		zap.Uint("retry.destroy_attempts", s.config.Retry.DestroyAttempts),
		zap.Int("limits.max_tool_timeout_sec", s.config.Limits.MaxToolTimeoutSec),
		zap.Int("environments", len(s.config.Environments)),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("sandboxd", "A sandbox session orchestration server")

	s.registerSessionTools()

	return s, nil
}

// registerSessionTools registers the session lifecycle and invocation tools
func (s *MCPServer) registerSessionTools() {
	createTool := mcp.Tool{
		Name:        "create_session",
		Description: "Provision a sandbox and open a session against it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"environment": map[string]any{
					"type":        "string",
					"description": "Named environment, e.g. py-basic (optional, defaults to py-basic)",
				},
				"provider": map[string]any{
					"type":        "string",
					"description": "Backend to provision on",
					"enum":        []string{"local", "cloud"},
				},
			},
		},
	}
	s.mcpServer.AddTool(createTool, s.handleCreateSession)

	invokeTool := mcp.Tool{
		Name:        "invoke_tool",
		Description: "Invoke a tool inside an existing session's sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to invoke against",
				},
				"tool": map[string]any{
					"type":        "string",
					"description": "Tool name, e.g. execute_code, file_read, file_write, file_list, analyze_data",
				},
				"args": map[string]any{
					"type":        "object",
					"description": "Tool arguments",
				},
				"timeout_sec": map[string]any{
					"type":        "number",
					"description": "Invocation timeout in seconds (optional, clamped to the configured ceiling)",
				},
			},
			Required: []string{"session_id", "tool"},
		},
	}
	s.mcpServer.AddTool(invokeTool, s.handleInvokeTool)

	destroyTool := mcp.Tool{
		Name:        "destroy_session",
		Description: "Tear down a session's sandbox and release its resources",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to destroy",
				},
			},
			Required: []string{"session_id"},
		},
	}
	s.mcpServer.AddTool(destroyTool, s.handleDestroySession)

	getTool := mcp.Tool{
		Name:        "get_session",
		Description: "Inspect one session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to inspect",
				},
			},
			Required: []string{"session_id"},
		},
	}
	s.mcpServer.AddTool(getTool, s.handleGetSession)

	listTool := mcp.Tool{
		Name:        "list_sessions",
		Description: "List all live sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	s.mcpServer.AddTool(listTool, s.handleListSessions)
}

// handleCreateSession handles the create_session tool
func (s *MCPServer) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envName := request.GetString("environment", "")

	kind := s.config.DefaultKind()
	if k := request.GetString("provider", ""); k != "" {
		kind = provider.Kind(k)
		if !kind.Valid() {
			return nil, fmt.Errorf("invalid provider: %s, must be 'local' or 'cloud'", k)
		}
	}

	env, err := s.config.Environment(envName)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session creation requested",
		zap.String("environment", env.Name),
		zap.String("provider", string(kind)))

	id, err := s.orch.CreateSession(ctx, kind, env)
	if err != nil {
		return errorResult(fmt.Sprintf("Session creation failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"session_id":  id,
		"environment": env.Name,
		"provider":    string(kind),
	})
}

// handleInvokeTool handles the invoke_tool tool
func (s *MCPServer) handleInvokeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	toolName, err := request.RequireString("tool")
	if err != nil {
		return nil, fmt.Errorf("tool parameter is required: %w", err)
	}

	args := map[string]any{}
	if raw := request.GetArguments()["args"]; raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("args must be an object")
		}
		args = m
	}

	var timeout time.Duration
	if sec := request.GetFloat("timeout_sec", 0); sec > 0 {
		timeout = time.Duration(sec * float64(time.Second))
	}

	s.logger.Info("tool invocation requested",
		zap.String("session_id", sessionID),
		zap.String("tool", toolName))

	result, err := s.orch.InvokeTool(ctx, sessionID, tool.Invocation{
		Tool:    toolName,
		Args:    args,
		Timeout: timeout,
	})
	if err != nil {
		s.logger.Error("tool invocation failed",
			zap.String("session_id", sessionID),
			zap.String("tool", toolName),
			zap.Error(err))

		var nfe *orchestrator.NotFoundError
		if errors.As(err, &nfe) {
			return nil, err
		}
		return errorResult(fmt.Sprintf("Invocation failed: %v", err)), nil
	}

	payload := map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}
	if len(result.Values) > 0 {
		payload["values"] = result.Values
	}
	if len(result.Artifacts) > 0 {
		artifacts := make([]map[string]any, 0, len(result.Artifacts))
		for _, a := range result.Artifacts {
			artifacts = append(artifacts, map[string]any{
				"path":         a.Path,
				"content_type": a.ContentType,
				"data":         base64.StdEncoding.EncodeToString(a.Data),
			})
		}
		payload["artifacts"] = artifacts
	}

	return jsonResult(payload)
}

// handleDestroySession handles the destroy_session tool
func (s *MCPServer) handleDestroySession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	s.logger.Info("session destruction requested", zap.String("session_id", sessionID))

	if err := s.orch.DestroySession(ctx, sessionID); err != nil {
		var dfe *orchestrator.DestroyFailedError
		if errors.As(err, &dfe) {
			// The session is gone; report the leak without failing the call.
			return jsonResult(map[string]any{
				"session_id": sessionID,
				"destroyed":  true,
				"flagged":    true,
			})
		}
		return errorResult(fmt.Sprintf("Destruction failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"session_id": sessionID,
		"destroyed":  true,
	})
}

// handleGetSession handles the get_session tool
func (s *MCPServer) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	info, err := s.orch.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return jsonResult(info)
}

// handleListSessions handles the list_sessions tool
func (s *MCPServer) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.orch.ListSessions()
	return jsonResult(map[string]any{"sessions": infos})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
