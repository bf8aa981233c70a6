// Package config loads and validates the orchestrator's settings from
// environment variables and an optional YAML file. Scheduling, retry and
// retention tunables live here rather than as code constants so deploys
// can adjust them without a rebuild.
package config
