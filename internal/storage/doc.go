// Package storage defines the durable persistence contracts for the engine.
//
// The hot path never reads from durable storage: session state lives in the
// state store, and these interfaces cover the objective hierarchy (authored
// offline, read-mostly), per-player progress edges, periodic session
// snapshots, and the bus journal backing at-least-once delivery.
package storage
