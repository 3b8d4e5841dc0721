// Package storage persists session metadata and captured artifacts.
//
// The orchestrator hands each destroyed session's metadata and
// ArtifactRecords to an ArtifactSink; Store implements the sink on
// SQLite so archives survive process restarts. The orchestrator only
// depends on the interface and never sees the persistence format.
package storage
