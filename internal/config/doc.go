// ABOUTME: Package config loads and validates the chatgate YAML configuration.
// ABOUTME: Supports ${VAR} environment expansion and duration string parsing.

// Package config owns the gateway configuration file. Durations are
// written as Go duration strings ("2s", "1m") and parsed at load time;
// ${VAR} references anywhere in the file are expanded from the
// environment before parsing.
package config
