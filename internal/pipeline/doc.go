// Package pipeline turns raw player input into session state changes.
//
// Processing is a finite phase graph: interpret_action classifies the input,
// dispatch routes it to a registered action handler, objective_cascade_check
// propagates any acquisitions through the objective hierarchy, narrate asks
// the narrator for the player-facing text, and await_player_input closes the
// cycle. A hard step cap bounds every run so a follow-up loop can never spin
// forever.
//
// The orchestrator is the only writer between lock acquire and release, which
// is what gives a multi-worker engine per-session serialization.
package pipeline
