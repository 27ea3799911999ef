// Package config loads gateway configuration from YAML with ${VAR}
// environment expansion, duration-string parsing, defaults, and
// validation.
package config
