package domain

import (
	"strings"
	"time"
)

// AcquisitionType classifies what kind of gain satisfies a requirement.
type AcquisitionType string

const (
	// AcquisitionKnowledge is a specific knowledge item learned by a player.
	AcquisitionKnowledge AcquisitionType = "knowledge"
	// AcquisitionItem is an inventory item picked up by a player.
	AcquisitionItem AcquisitionType = "item"
	// AcquisitionSceneVisit is a location visited by a player.
	AcquisitionSceneVisit AcquisitionType = "scene_visit"
	// AcquisitionConversation is a completed NPC conversation.
	AcquisitionConversation AcquisitionType = "npc_conversation"
	// AcquisitionChallenge is a completed challenge or event.
	AcquisitionChallenge AcquisitionType = "challenge"
)

// Acquisition is one structured player gain extracted from an action outcome.
//
// Extraction happens in the external content-generation collaborator; the
// tracker only ever sees already-structured acquisitions.
type Acquisition struct {
	Type AcquisitionType `json:"type"`
	ID   string          `json:"id"`
}

// Key returns the canonical identity used to match requirements.
func (a Acquisition) Key() string {
	return string(a.Type) + ":" + strings.TrimSpace(a.ID)
}

// AcquisitionPath is one concrete way to satisfy a requirement: an NPC,
// discovery, challenge, or event instance. Multiple paths per requirement
// model redundancy.
type AcquisitionPath struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

// Requirement is a discrete acquisition a quest objective asks for.
type Requirement struct {
	ID    string            `json:"id"`
	Type  AcquisitionType   `json:"type"`
	Paths []AcquisitionPath `json:"paths"`
}

// Matches reports whether the acquisition satisfies this requirement, either
// directly or through one of its declared acquisition paths.
func (r Requirement) Matches(acquisition Acquisition) bool {
	acquiredID := strings.TrimSpace(acquisition.ID)
	if r.Type == acquisition.Type && r.ID == acquiredID {
		return true
	}
	for _, path := range r.Paths {
		if path.Kind == string(acquisition.Type) && path.ID == acquiredID {
			return true
		}
	}
	return false
}

// SatisfyingAcquisitions returns every acquisition that satisfies this
// requirement: the requirement itself plus each declared path.
func (r Requirement) SatisfyingAcquisitions() []Acquisition {
	acquisitions := make([]Acquisition, 0, 1+len(r.Paths))
	acquisitions = append(acquisitions, Acquisition{Type: r.Type, ID: r.ID})
	for _, path := range r.Paths {
		acquisitions = append(acquisitions, Acquisition{Type: AcquisitionType(path.Kind), ID: path.ID})
	}
	return acquisitions
}

// QuestObjective is a mid-level objective satisfied by its requirements.
type QuestObjective struct {
	ID           string        `json:"id"`
	CampaignID   string        `json:"campaign_id"`
	Description  string        `json:"description"`
	MinimumCount int           `json:"minimum_count"`
	Requirements []Requirement `json:"requirements"`
}

// CampaignObjective is a top-level objective aggregating quest objectives.
type CampaignObjective struct {
	ID          string   `json:"id"`
	CampaignID  string   `json:"campaign_id"`
	Description string   `json:"description"`
	QuestIDs    []string `json:"quest_ids"`
}

// Hierarchy is the full authored objective graph for one campaign.
type Hierarchy struct {
	CampaignID string
	Campaigns  []CampaignObjective
	Quests     []QuestObjective
}

// Quest returns a quest objective by id.
func (h Hierarchy) Quest(id string) (QuestObjective, bool) {
	for _, quest := range h.Quests {
		if quest.ID == id {
			return quest, true
		}
	}
	return QuestObjective{}, false
}

// QuestsForAcquisition returns every quest objective listing the acquisition
// as a requirement. One acquisition may satisfy several objectives and one
// requirement may be reachable by several paths.
func (h Hierarchy) QuestsForAcquisition(acquisition Acquisition) []QuestObjective {
	var affected []QuestObjective
	for _, quest := range h.Quests {
		for _, requirement := range quest.Requirements {
			if requirement.Matches(acquisition) {
				affected = append(affected, quest)
				break
			}
		}
	}
	return affected
}

// ParentsOf returns the campaign objectives aggregating the quest objective.
func (h Hierarchy) ParentsOf(questID string) []CampaignObjective {
	var parents []CampaignObjective
	for _, campaign := range h.Campaigns {
		for _, id := range campaign.QuestIDs {
			if id == questID {
				parents = append(parents, campaign)
				break
			}
		}
	}
	return parents
}

// ProgressStatus describes a progress edge lifecycle state.
type ProgressStatus string

const (
	// ProgressNotStarted is the zero progress state.
	ProgressNotStarted ProgressStatus = "not_started"
	// ProgressInProgress indicates a non-zero, incomplete percentage.
	ProgressInProgress ProgressStatus = "in_progress"
	// ProgressCompleted indicates the objective reached 100 percent.
	ProgressCompleted ProgressStatus = "completed"
)

// Progress is one player→objective progress edge.
//
// Percentage is monotonic: it never regresses across recomputations, and
// completed is terminal.
type Progress struct {
	PlayerID    string
	ObjectiveID string
	CampaignID  string
	Percentage  float64
	Status      ProgressStatus
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// StatusFor derives the progress status from a percentage.
func StatusFor(percentage float64) ProgressStatus {
	switch {
	case percentage >= 100:
		return ProgressCompleted
	case percentage > 0:
		return ProgressInProgress
	default:
		return ProgressNotStarted
	}
}
