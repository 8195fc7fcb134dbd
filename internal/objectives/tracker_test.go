package objectives

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/storage"
)

type memHierarchies map[string]domain.Hierarchy

func (m memHierarchies) GetHierarchy(_ context.Context, campaignID string) (domain.Hierarchy, error) {
	hierarchy, ok := m[campaignID]
	if !ok {
		return domain.Hierarchy{}, storage.ErrNotFound
	}
	return hierarchy, nil
}

type memProgress struct {
	rows map[string]domain.Progress
}

func newMemProgress() *memProgress {
	return &memProgress{rows: make(map[string]domain.Progress)}
}

func (m *memProgress) key(playerID, objectiveID string) string {
	return playerID + "|" + objectiveID
}

func (m *memProgress) GetProgress(_ context.Context, playerID, objectiveID string) (domain.Progress, error) {
	progress, ok := m.rows[m.key(playerID, objectiveID)]
	if !ok {
		return domain.Progress{}, storage.ErrNotFound
	}
	return progress, nil
}

func (m *memProgress) ListProgress(_ context.Context, playerID, campaignID string) ([]domain.Progress, error) {
	var out []domain.Progress
	for _, progress := range m.rows {
		if progress.PlayerID == playerID && progress.CampaignID == campaignID {
			out = append(out, progress)
		}
	}
	return out, nil
}

func (m *memProgress) PutProgress(_ context.Context, progress domain.Progress) error {
	m.rows[m.key(progress.PlayerID, progress.ObjectiveID)] = progress
	return nil
}

func knowledgeOf(id string) domain.Acquisition {
	return domain.Acquisition{Type: domain.AcquisitionKnowledge, ID: id}
}

func itemOf(id string) domain.Acquisition {
	return domain.Acquisition{Type: domain.AcquisitionItem, ID: id}
}

// twoRequirementHierarchy is one campaign objective over one quest needing
// knowledge k1 and item i1.
func twoRequirementHierarchy() domain.Hierarchy {
	return domain.Hierarchy{
		CampaignID: "camp-1",
		Campaigns: []domain.CampaignObjective{
			{ID: "c1", CampaignID: "camp-1", Description: "uncover the conspiracy", QuestIDs: []string{"q1"}},
		},
		Quests: []domain.QuestObjective{
			{
				ID:          "q1",
				CampaignID:  "camp-1",
				Description: "find the evidence",
				Requirements: []domain.Requirement{
					{ID: "k1", Type: domain.AcquisitionKnowledge, Paths: []domain.AcquisitionPath{{ID: "npc-1", Kind: "npc_conversation"}, {ID: "trial-1", Kind: "challenge"}}},
					{ID: "i1", Type: domain.AcquisitionItem, Paths: []domain.AcquisitionPath{{ID: "vault-1", Kind: "scene_visit"}}},
				},
			},
		},
	}
}

func newTrackerUnderTest(hierarchy domain.Hierarchy) (*Tracker, *memProgress) {
	progress := newMemProgress()
	tracker := NewTracker(memHierarchies{hierarchy.CampaignID: hierarchy}, progress).
		WithClock(func() time.Time { return time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC) })
	return tracker, progress
}

func TestApplyHalfThenFullCompletion(t *testing.T) {
	ctx := context.Background()
	tracker, progress := newTrackerUnderTest(twoRequirementHierarchy())

	// First acquisition: knowledge k1 out of two requirements.
	acquired := NewAcquiredSet([]string{"k1"}, nil, nil, nil, nil)
	events, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{knowledgeOf("k1")}, acquired)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want quest + campaign", events)
	}
	questEvent, campaignEvent := events[0], events[1]
	if questEvent.Level != LevelQuest || questEvent.Percentage != 50 || questEvent.Completed {
		t.Fatalf("quest event = %+v, want 50%% incomplete", questEvent)
	}
	if campaignEvent.Level != LevelCampaign || campaignEvent.Percentage != 50 {
		t.Fatalf("campaign event = %+v, want 50%%", campaignEvent)
	}

	row, err := progress.GetProgress(ctx, "alice", "q1")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if row.Status != domain.ProgressInProgress {
		t.Fatalf("status = %s, want %s", row.Status, domain.ProgressInProgress)
	}

	// Second acquisition: item i1 completes the quest and the campaign.
	acquired = NewAcquiredSet([]string{"k1"}, []string{"i1"}, nil, nil, nil)
	events, err = tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{itemOf("i1")}, acquired)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("second events = %+v, want quest + campaign", events)
	}
	if events[0].Percentage != 100 || !events[0].Completed {
		t.Fatalf("quest completion event = %+v", events[0])
	}
	if events[1].Percentage != 100 || !events[1].Completed {
		t.Fatalf("campaign completion event = %+v", events[1])
	}

	row, _ = progress.GetProgress(ctx, "alice", "q1")
	if row.Status != domain.ProgressCompleted || row.CompletedAt == nil {
		t.Fatalf("completed row = %+v", row)
	}
}

func TestApplyIsIdempotentUnderRedelivery(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerUnderTest(twoRequirementHierarchy())

	acquired := NewAcquiredSet([]string{"k1"}, nil, nil, nil, nil)
	acquisitions := []domain.Acquisition{knowledgeOf("k1")}

	first, err := tracker.Apply(ctx, "camp-1", "alice", acquisitions, acquired)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("first apply produced no events")
	}

	// Redelivered message: same acquisitions, same acquired set.
	second, err := tracker.Apply(ctx, "camp-1", "alice", acquisitions, acquired)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("redelivery produced events: %+v", second)
	}
}

func TestApplyNeverRegressesPercentage(t *testing.T) {
	ctx := context.Background()
	tracker, progress := newTrackerUnderTest(twoRequirementHierarchy())

	// Both requirements held: 100.
	full := NewAcquiredSet([]string{"k1"}, []string{"i1"}, nil, nil, nil)
	if _, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{itemOf("i1")}, full); err != nil {
		t.Fatalf("apply full: %v", err)
	}

	// A later recomputation from a smaller set must not write downward.
	partial := NewAcquiredSet([]string{"k1"}, nil, nil, nil, nil)
	events, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{knowledgeOf("k1")}, partial)
	if err != nil {
		t.Fatalf("apply partial: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("downward recomputation produced events: %+v", events)
	}
	row, _ := progress.GetProgress(ctx, "alice", "q1")
	if row.Percentage != 100 || row.Status != domain.ProgressCompleted {
		t.Fatalf("row regressed: %+v", row)
	}
}

func TestCampaignPercentageIsMeanOfQuests(t *testing.T) {
	ctx := context.Background()
	hierarchy := domain.Hierarchy{
		CampaignID: "camp-1",
		Campaigns: []domain.CampaignObjective{
			{ID: "c1", CampaignID: "camp-1", QuestIDs: []string{"q1", "q2"}},
		},
		Quests: []domain.QuestObjective{
			{ID: "q1", CampaignID: "camp-1", Requirements: []domain.Requirement{
				{ID: "k1", Type: domain.AcquisitionKnowledge},
			}},
			{ID: "q2", CampaignID: "camp-1", Requirements: []domain.Requirement{
				{ID: "i9", Type: domain.AcquisitionItem},
			}},
		},
	}
	tracker, _ := newTrackerUnderTest(hierarchy)

	// Completing q1 alone: campaign mean over q1 (100) and q2 (no row, 0).
	acquired := NewAcquiredSet([]string{"k1"}, nil, nil, nil, nil)
	events, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{knowledgeOf("k1")}, acquired)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var campaignEvent *ProgressEvent
	for i := range events {
		if events[i].Level == LevelCampaign {
			campaignEvent = &events[i]
		}
	}
	if campaignEvent == nil {
		t.Fatalf("no campaign event in %+v", events)
	}
	if campaignEvent.Percentage != 50 {
		t.Fatalf("campaign percentage = %v, want 50 (mean of 100 and 0)", campaignEvent.Percentage)
	}
}

func TestAcquisitionAffectsMultipleQuests(t *testing.T) {
	ctx := context.Background()
	hierarchy := domain.Hierarchy{
		CampaignID: "camp-1",
		Campaigns: []domain.CampaignObjective{
			{ID: "c1", CampaignID: "camp-1", QuestIDs: []string{"q1", "q2"}},
		},
		Quests: []domain.QuestObjective{
			{ID: "q1", CampaignID: "camp-1", Requirements: []domain.Requirement{
				{ID: "k1", Type: domain.AcquisitionKnowledge},
			}},
			{ID: "q2", CampaignID: "camp-1", Requirements: []domain.Requirement{
				{ID: "k1", Type: domain.AcquisitionKnowledge},
				{ID: "i1", Type: domain.AcquisitionItem},
			}},
		},
	}
	tracker, _ := newTrackerUnderTest(hierarchy)

	acquired := NewAcquiredSet([]string{"k1"}, nil, nil, nil, nil)
	events, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{knowledgeOf("k1")}, acquired)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	questEvents := 0
	for _, event := range events {
		if event.Level == LevelQuest {
			questEvents++
		}
	}
	if questEvents != 2 {
		t.Fatalf("quest events = %d, want both affected quests", questEvents)
	}
}

func TestApplyWithoutHierarchyIsSilent(t *testing.T) {
	tracker, _ := newTrackerUnderTest(twoRequirementHierarchy())
	events, err := tracker.Apply(context.Background(), "unknown-campaign", "alice",
		[]domain.Acquisition{knowledgeOf("k1")}, NewAcquiredSet([]string{"k1"}, nil, nil, nil, nil))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
}

func TestApplyRequiresPlayerID(t *testing.T) {
	tracker, _ := newTrackerUnderTest(twoRequirementHierarchy())
	_, err := tracker.Apply(context.Background(), "camp-1", "  ",
		[]domain.Acquisition{knowledgeOf("k1")}, NewAcquiredSet(nil, nil, nil, nil, nil))
	if !apperrors.IsCode(err, apperrors.CodeObjectiveEmptyPlayerID) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodeObjectiveEmptyPlayerID)
	}
}

func TestDeclaredPathSatisfiesRequirement(t *testing.T) {
	ctx := context.Background()
	tracker, progress := newTrackerUnderTest(twoRequirementHierarchy())

	// The player never learns k1 directly: talking to npc-1, a declared path
	// of the k1 requirement, must count just the same.
	conversation := domain.Acquisition{Type: domain.AcquisitionConversation, ID: "npc-1"}
	acquired := NewAcquiredSet(nil, nil, nil, []string{"npc-1"}, nil)
	events, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{conversation}, acquired)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want quest + campaign", events)
	}
	if events[0].ObjectiveID != "q1" || events[0].Percentage != 50 {
		t.Fatalf("quest event = %+v, want q1 at 50%%", events[0])
	}

	row, err := progress.GetProgress(ctx, "alice", "q1")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if row.Status != domain.ProgressInProgress {
		t.Fatalf("status = %s, want %s", row.Status, domain.ProgressInProgress)
	}

	// Later learning k1 directly is the same requirement already satisfied
	// through the path: no progress change, no events.
	acquired = NewAcquiredSet([]string{"k1"}, nil, nil, []string{"npc-1"}, nil)
	events, err = tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{knowledgeOf("k1")}, acquired)
	if err != nil {
		t.Fatalf("apply direct: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("redundant route produced events: %+v", events)
	}
}

func TestPathRedundancyEitherRouteCompletes(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerUnderTest(twoRequirementHierarchy())

	// Both requirements reached only through paths: the challenge route to k1
	// and the scene route to i1.
	acquired := NewAcquiredSet(nil, nil, []string{"vault-1"}, nil, []string{"trial-1"})
	events, err := tracker.Apply(ctx, "camp-1", "alice", []domain.Acquisition{
		{Type: domain.AcquisitionChallenge, ID: "trial-1"},
		{Type: domain.AcquisitionSceneVisit, ID: "vault-1"},
	}, acquired)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want quest + campaign", events)
	}
	if events[0].Percentage != 100 || !events[0].Completed {
		t.Fatalf("quest event = %+v, want completed", events[0])
	}
}
