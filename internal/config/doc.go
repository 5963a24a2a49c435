// Package config handles configuration loading, parsing, and validation
// from environment variables (GENQUEUE_ prefix) and an optional YAML file.
// It provides type-safe access to the settings of the HTTP server, the job
// store, both queues and the outside services the workers talk to, keeping
// configuration details separate from business logic.
package config
