// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// session operations: create_session, invoke_tool, destroy_session,
// get_session and list_sessions. It uses the mark3labs/mcp-go library to
// handle the protocol details; all lifecycle semantics live in the
// orchestrator package.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orch)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
