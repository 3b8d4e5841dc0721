// Package tool resolves and executes named tools against a session's
// sandbox.
//
// A Tool declares the argument shape it expects and runs against the
// sandbox through the provider client bound to the invocation target.
// The Registry maps tool names to implementations and can merge
// human-written YAML definition files over the built-in descriptions.
// The Dispatcher validates arguments before any provider call, clamps
// the per-call timeout to the configured ceiling, and preserves
// partial stdout/stderr when an execution times out.
//
// Built-in tools: execute_code, file_read, file_write, file_list and
// analyze_data.
package tool
