// Package config loads the bridge's YAML configuration.
//
// Files support ${VAR} environment expansion and duration strings
// ("25s", "1m") for timing fields. Load applies defaults and validates,
// returning the first failure.
package config
