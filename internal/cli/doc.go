// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates the validate, run and serve commands, their flags and the
// STAGEGRID_* environment into the application's configuration.
package cli
