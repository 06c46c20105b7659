// Package app contains the application wiring. It loads and validates the
// pipeline, builds the run store, artifact store, agent registry, scheduler
// and trigger engine from its Config, and exposes the three lifecycles the
// CLI offers: Validate, RunOnce and Serve. It is decoupled from any specific
// entrypoint.
package app
