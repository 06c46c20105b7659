// Package config defines the format-agnostic pipeline model, along with the
// Loader interface implemented by the HCL and YAML packages.
//
// The `config.Model` is the single source of truth for the scheduler: stage
// definitions, the agents declared up front, and the version control sources
// to watch. Concrete loaders live in separate packages and are combined by
// file extension with Formats.
package config
