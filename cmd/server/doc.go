// Package main is the entry point for the sandboxd MCP server.
//
// The sandboxd server orchestrates sandbox sessions across a local
// container backend and a managed cloud backend, exposing session
// lifecycle and tool invocation operations over the Model Context
// Protocol. The server supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
