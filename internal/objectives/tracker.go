package objectives

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/storage"
)

// Level tags which hierarchy tier a progress event refers to.
type Level string

const (
	// LevelQuest marks quest objective progress.
	LevelQuest Level = "quest"
	// LevelCampaign marks campaign objective progress.
	LevelCampaign Level = "campaign"
)

// ProgressEvent reports one objective whose stored percentage changed.
type ProgressEvent struct {
	Level       Level
	ObjectiveID string
	Description string
	PlayerID    string
	CampaignID  string
	Percentage  float64
	Completed   bool
}

// AcquiredSet is the player's full acquired set, keyed by Acquisition.Key().
type AcquiredSet map[string]struct{}

// NewAcquiredSet builds an acquired set from typed id lists.
func NewAcquiredSet(knowledge, items, scenes, conversations, challenges []string) AcquiredSet {
	set := make(AcquiredSet)
	add := func(kind domain.AcquisitionType, ids []string) {
		for _, id := range ids {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				set[domain.Acquisition{Type: kind, ID: trimmed}.Key()] = struct{}{}
			}
		}
	}
	add(domain.AcquisitionKnowledge, knowledge)
	add(domain.AcquisitionItem, items)
	add(domain.AcquisitionSceneVisit, scenes)
	add(domain.AcquisitionConversation, conversations)
	add(domain.AcquisitionChallenge, challenges)
	return set
}

// Has reports whether the set contains the acquisition.
func (s AcquiredSet) Has(acquisition domain.Acquisition) bool {
	_, ok := s[acquisition.Key()]
	return ok
}

// Tracker propagates completion accounting through the objective hierarchy.
type Tracker struct {
	hierarchies storage.HierarchyStore
	progress    storage.ProgressStore
	clock       func() time.Time
}

// NewTracker creates a tracker over the given stores.
func NewTracker(hierarchies storage.HierarchyStore, progress storage.ProgressStore) *Tracker {
	return &Tracker{
		hierarchies: hierarchies,
		progress:    progress,
		clock:       time.Now,
	}
}

// WithClock overrides the tracker clock, for tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// Apply resolves fresh acquisitions against the hierarchy and recomputes the
// affected quest and campaign objectives for the player.
//
// Percentages are recomputed from the full acquired set, written only when
// they differ from the stored value, and never decreased. One event is
// returned per objective whose stored value actually changed, so replaying
// the same acquisitions yields no events at all.
func (t *Tracker) Apply(ctx context.Context, campaignID, playerID string, acquisitions []domain.Acquisition, acquired AcquiredSet) ([]ProgressEvent, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return nil, apperrors.New(apperrors.CodeObjectiveEmptyPlayerID, "player id is required")
	}
	if len(acquisitions) == 0 {
		return nil, nil
	}

	hierarchy, err := t.hierarchies.GetHierarchy(ctx, campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load objective hierarchy: %w", err)
	}

	affectedQuests := map[string]domain.QuestObjective{}
	for _, acquisition := range acquisitions {
		for _, quest := range hierarchy.QuestsForAcquisition(acquisition) {
			affectedQuests[quest.ID] = quest
		}
	}
	if len(affectedQuests) == 0 {
		return nil, nil
	}

	var events []ProgressEvent
	affectedCampaigns := map[string]domain.CampaignObjective{}
	for _, quest := range affectedQuests {
		percentage := QuestPercentage(quest, acquired)
		changed, completed, err := t.writeIfChanged(ctx, playerID, quest.ID, campaignID, percentage)
		if err != nil {
			return nil, err
		}
		if changed {
			events = append(events, ProgressEvent{
				Level:       LevelQuest,
				ObjectiveID: quest.ID,
				Description: quest.Description,
				PlayerID:    playerID,
				CampaignID:  campaignID,
				Percentage:  percentage,
				Completed:   completed,
			})
		}
		for _, parent := range hierarchy.ParentsOf(quest.ID) {
			affectedCampaigns[parent.ID] = parent
		}
	}

	for _, campaign := range affectedCampaigns {
		percentage, err := t.campaignPercentage(ctx, playerID, campaign)
		if err != nil {
			return nil, err
		}
		changed, completed, err := t.writeIfChanged(ctx, playerID, campaign.ID, campaignID, percentage)
		if err != nil {
			return nil, err
		}
		if changed {
			events = append(events, ProgressEvent{
				Level:       LevelCampaign,
				ObjectiveID: campaign.ID,
				Description: campaign.Description,
				PlayerID:    playerID,
				CampaignID:  campaignID,
				Percentage:  percentage,
				Completed:   completed,
			})
		}
	}
	return events, nil
}

// QuestPercentage computes satisfied/total requirements for the full set.
//
// A requirement counts as satisfied when the player holds the requirement
// acquisition itself or any of its declared paths, so redundant routes to the
// same requirement all lead to the same progress.
func QuestPercentage(quest domain.QuestObjective, acquired AcquiredSet) float64 {
	total := len(quest.Requirements)
	if total == 0 {
		return 0
	}
	satisfied := 0
	for _, requirement := range quest.Requirements {
		for _, candidate := range requirement.SatisfyingAcquisitions() {
			if acquired.Has(candidate) {
				satisfied++
				break
			}
		}
	}
	return roundPercentage(float64(satisfied) / float64(total) * 100)
}

// campaignPercentage is the mean of the campaign's quest percentages as
// currently stored for the player. Quests with no progress row count as zero.
func (t *Tracker) campaignPercentage(ctx context.Context, playerID string, campaign domain.CampaignObjective) (float64, error) {
	if len(campaign.QuestIDs) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, questID := range campaign.QuestIDs {
		progress, err := t.progress.GetProgress(ctx, playerID, questID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("load quest progress %s: %w", questID, err)
		}
		sum += progress.Percentage
	}
	return roundPercentage(sum / float64(len(campaign.QuestIDs))), nil
}

// writeIfChanged applies the idempotent, monotonic progress write rule.
func (t *Tracker) writeIfChanged(ctx context.Context, playerID, objectiveID, campaignID string, percentage float64) (changed bool, completed bool, err error) {
	now := t.clock().UTC()
	current, err := t.progress.GetProgress(ctx, playerID, objectiveID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, false, fmt.Errorf("load progress %s/%s: %w", playerID, objectiveID, err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		current = domain.Progress{
			PlayerID:    playerID,
			ObjectiveID: objectiveID,
			CampaignID:  campaignID,
			Status:      domain.ProgressNotStarted,
			StartedAt:   now,
		}
	}

	// Monotonic: never write a lower percentage than already recorded.
	if percentage <= current.Percentage {
		return false, current.Status == domain.ProgressCompleted, nil
	}

	current.Percentage = percentage
	current.Status = domain.StatusFor(percentage)
	current.UpdatedAt = now
	if current.Status == domain.ProgressCompleted && current.CompletedAt == nil {
		completedAt := now
		current.CompletedAt = &completedAt
	}
	if err := t.progress.PutProgress(ctx, current); err != nil {
		return false, false, fmt.Errorf("write progress %s/%s: %w", playerID, objectiveID, err)
	}
	return true, current.Status == domain.ProgressCompleted, nil
}

func roundPercentage(value float64) float64 {
	return math.Round(value*100) / 100
}
