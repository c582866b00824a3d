// Package application provides application initialization and dependency wiring.
// It creates the key/value provider, the service registry and its sync job,
// the API handlers, router and metrics, and the HTTP server that also serves
// the built dashboard views, keeping the main package focused on CLI parsing
// and orchestration.
package application
