package bus

import "strings"

// TopicPlayerAction is the inbound queue feeding the action pipeline.
const TopicPlayerAction = "player_action"

// TopicSessionControl is the inbound queue carrying membership and lifecycle
// changes: joins, departures, session start, coordination requests.
const TopicSessionControl = "session_control"

// TopicSessionEvents is the durable relay queue carrying outbound session
// events across process boundaries. Each journal entry wraps the original
// topic and payload in a RelayEnvelope.
const TopicSessionEvents = "session_events"

// Session event names published on session.<id>.<event> topics.
const (
	EventSceneUpdate               = "scene_update"
	EventChatMessage               = "chat_message"
	EventQuestProgress             = "quest_progress"
	EventCampaignObjectiveProgress = "campaign_objective_progress"
	EventTurnStarted               = "turn_started"
	EventTurnEnded                 = "turn_ended"
	EventTurnTimeout               = "turn_timeout"
	EventHostTransferred           = "host_transferred"
	EventPlayerJoinedParty         = "player_joined_party"
	EventPlayerLeftParty           = "player_left_party"
	EventActionRejected            = "action_rejected"
	EventPlayerPresence            = "player_presence"
	EventPlayerTyping              = "player_typing"
	EventSessionStarted            = "session_started"
	EventCoordinationRequested     = "coordination_requested"
	EventCoordinationConfirmed     = "coordination_confirmed"
	EventCoordinationComplete      = "coordination_complete"
)

// SessionTopic builds the outbound topic for a session event.
func SessionTopic(sessionID, event string) string {
	return "session." + sessionID + "." + event
}

// AcquiredTopic builds the session topic for a typed acquisition event.
func AcquiredTopic(sessionID, acquisitionType string) string {
	return SessionTopic(sessionID, acquisitionType+"_acquired")
}

// MatchTopic reports whether a dotted pattern matches a topic.
// A "*" segment matches exactly one topic segment.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i, part := range patternParts {
		if part == "*" {
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}
	return true
}
