package kgraph

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("kgraph: invalid configuration")

	// ErrGraphUnavailable is returned when the graph store cannot be reached.
	ErrGraphUnavailable = errors.New("kgraph: graph store unavailable")
)
