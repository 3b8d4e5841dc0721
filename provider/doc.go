// Package provider abstracts sandbox execution backends behind one
// capability interface.
//
// The provider package defines the Client interface for provisioning,
// executing code in, and tearing down isolated execution environments.
// Two backends are supported: DockerClient drives a local container
// daemon through its CLI, and CloudClient talks to a hosted sandbox
// service over an authenticated HTTPS API.
//
// Both backends implement identical semantics: Create provisions an
// environment and returns a Handle, Execute runs code inside it,
// ReadFile/WriteFile/ListFiles operate on the sandbox filesystem, and
// Destroy releases the instance. Destroy is idempotent so that it can
// be retried safely after an ambiguous network failure.
//
// Usage:
//
//	client := provider.NewDockerClient(logger, &provider.DockerConfig{})
//	handle, err := client.Create(ctx, env, limits)
//	result, err := client.Execute(ctx, handle, "print(2+2)", "python", 10*time.Second)
//	err = client.Destroy(ctx, handle)
package provider
