// Package errors provides structured error handling for the session engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeSessionEmptyID                 Code = "SESSION_EMPTY_ID"
	CodeSessionEmptyCampaignID         Code = "SESSION_EMPTY_CAMPAIGN_ID"
	CodeSessionInvalidStatusTransition Code = "SESSION_INVALID_STATUS_TRANSITION"
	CodeSessionFull                    Code = "SESSION_FULL"
	CodeSessionPlayerExists            Code = "SESSION_PLAYER_EXISTS"
	CodeSessionPlayerNotFound          Code = "SESSION_PLAYER_NOT_FOUND"
	CodeSessionNotJoinable             Code = "SESSION_NOT_JOINABLE"
	CodeSessionNotHost                 Code = "SESSION_NOT_HOST"
	CodeSessionLockBusy                Code = "SESSION_LOCK_BUSY"

	// Turn and party errors
	CodePartyNotFound             Code = "PARTY_NOT_FOUND"
	CodeTurnNotCurrentPlayer      Code = "TURN_NOT_CURRENT_PLAYER"
	CodeTurnInvalidDiscipline     Code = "TURN_INVALID_DISCIPLINE"
	CodeCoordinationExpired       Code = "COORDINATION_EXPIRED"
	CodeCoordinationNotFound      Code = "COORDINATION_NOT_FOUND"
	CodeCoordinationDuplicate     Code = "COORDINATION_DUPLICATE_CONFIRMATION"
	CodeInitiativeOrderIncomplete Code = "INITIATIVE_ORDER_INCOMPLETE"

	// Action pipeline errors
	CodeActionEmptyPlayerID   Code = "ACTION_EMPTY_PLAYER_ID"
	CodeActionTypeUnsupported Code = "ACTION_TYPE_UNSUPPORTED"
	CodeActionStepLimit       Code = "ACTION_STEP_LIMIT_EXCEEDED"

	// Objective errors
	CodeObjectivePercentInvalid Code = "OBJECTIVE_PERCENT_INVALID"
	CodeObjectiveEmptyPlayerID  Code = "OBJECTIVE_EMPTY_PLAYER_ID"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeSessionEmptyID,
		CodeSessionEmptyCampaignID,
		CodeActionEmptyPlayerID,
		CodeObjectiveEmptyPlayerID,
		CodeObjectivePercentInvalid,
		CodeTurnInvalidDiscipline,
		CodeInitiativeOrderIncomplete:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeSessionInvalidStatusTransition,
		CodeSessionFull,
		CodeSessionPlayerExists,
		CodeSessionNotJoinable,
		CodeTurnNotCurrentPlayer,
		CodeCoordinationExpired,
		CodeCoordinationDuplicate,
		CodeActionStepLimit:
		return codes.FailedPrecondition

	// Unavailable - busy, retry shortly
	case CodeSessionLockBusy:
		return codes.Unavailable

	// PermissionDenied - actor lacks the right to perform the operation
	case CodeSessionNotHost:
		return codes.PermissionDenied

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeSessionPlayerNotFound,
		CodePartyNotFound,
		CodeCoordinationNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}
