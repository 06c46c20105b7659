package dag

import "sync"

// Graph is a collection of stages and the artifact edges between them.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects the nodes map during concurrent access.
	mutex sync.RWMutex
	// nodes stores all stages in the graph, keyed by stage ID.
	nodes map[string]*node
}

// node is a single stage in the graph. It is un-exported to enforce
// interaction with the graph via stage IDs.
type node struct {
	id string
	// deps holds the stages this stage consumes artifacts from.
	deps map[string]*node
	// dependents holds the stages that consume this stage's artifacts.
	dependents map[string]*node
}
