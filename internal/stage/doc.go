// Package stage defines stage definitions: the steps a stage runs, the
// capabilities it needs from an agent, the artifacts it consumes and
// produces, and the triggers that start it. Definitions are plain values
// loaded from configuration and never change after the graph is built.
package stage
