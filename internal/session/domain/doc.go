// Package domain holds the session state document and its lifecycle rules.
//
// A Session is the single shared mutable resource of the engine: one JSON
// document per active play-through, mutated only while the caller holds the
// session's state-store lock and always written back as a full replace.
package domain
