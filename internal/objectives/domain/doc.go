// Package domain holds the objective hierarchy and progress edge types.
//
// The hierarchy is authored offline and read-only at runtime: campaign
// objectives decompose into quest objectives, each quest objective is
// satisfied by acquisition requirements, and every requirement is reachable
// through one or more acquisition paths so that missing a single path never
// blocks completion.
package domain
