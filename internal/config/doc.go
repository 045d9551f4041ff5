// Package config loads the YAML configuration for the transport client.
//
// Values may reference environment variables as ${VAR}; they are expanded
// before parsing. Every timing constant has a default matching the
// documented protocol behavior, so an empty file is a valid configuration.
package config
