// Package objectives recomputes objective progress after player actions.
//
// The cascade is a bottom-up lattice aggregation: leaf acquisitions satisfy
// quest requirements, quest percentages roll up into campaign means. Each
// trigger re-evaluates from the player's full acquired set instead of
// patching incrementally, which keeps the computation idempotent under
// at-least-once delivery and safe under concurrent triggers.
package objectives
