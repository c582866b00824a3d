// Package config loads the dashboard configuration from multiple sources
// (YAML file, environment variables, CLI flags) with precedence: CLI flags >
// Environment variables > YAML config > Defaults. It covers the HTTP server,
// the key/value backend and the views settings exported to the front-end build.
package config
