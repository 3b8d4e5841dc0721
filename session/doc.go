// Package session tracks the lifecycle of one sandbox session.
//
// A Session moves through pending, provisioning, ready, destroying and
// the terminal states destroyed and failed. Transitions are serialized
// by a per-session lock so a concurrent invocation and destroy cannot
// race the handle into an inconsistent state: once destroy begins no
// new invocation may start, and invocations already in flight either
// finish or observe cancellation of the session context.
package session
