// Package party coordinates turn order across a session's players.
//
// Party records live in process memory and are derivable from session state,
// so a restarted engine rebuilds them lazily on the next action. The record
// owns the per-turn timeout timer and the host failover rule; losing a record
// never loses data.
package party
