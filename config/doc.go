// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and SANDBOXD_* environment variables. It
// covers server settings, per-backend provider settings, retry policies,
// invocation limits and the catalog of named sandbox environments.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	env, err := cfg.Environment("py-basic")
package config
