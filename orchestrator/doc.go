// Package orchestrator is the public entry point of the sandbox
// lifecycle system.
//
// The Orchestrator owns the in-memory session registry and is the sole
// writer of lifecycle transitions. It composes the provider clients,
// the retry policies and the tool dispatcher: CreateSession provisions
// a sandbox and registers the session, InvokeTool routes a tool call
// into the session's sandbox, and DestroySession reclaims the backend
// resource exactly once, handing the session's artifacts to the
// storage collaborator.
//
// A destroy that exhausts its retries still marks the session
// destroyed and evicts it, flagged for manual reconciliation: leaving
// a session permanently un-reclaimable in the live registry is worse
// than a flagged leak.
package orchestrator
