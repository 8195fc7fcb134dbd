package sqlite

import (
	"context"
	"fmt"
	"strings"

	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/storage"
)

// SeedHierarchy writes an authored objective hierarchy for a campaign.
//
// Hierarchies are authored offline; this import path replaces the campaign's
// rows wholesale inside one transaction.
func (s *Store) SeedHierarchy(ctx context.Context, hierarchy objdomain.Hierarchy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	campaignID := strings.TrimSpace(hierarchy.CampaignID)
	if campaignID == "" {
		return fmt.Errorf("campaign id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hierarchy tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deletes := []string{
		`DELETE FROM requirement_paths WHERE quest_objective_id IN (SELECT id FROM quest_objectives WHERE campaign_id = ?)`,
		`DELETE FROM quest_requirements WHERE quest_objective_id IN (SELECT id FROM quest_objectives WHERE campaign_id = ?)`,
		`DELETE FROM campaign_objective_quests WHERE campaign_objective_id IN (SELECT id FROM campaign_objectives WHERE campaign_id = ?)`,
		`DELETE FROM quest_objectives WHERE campaign_id = ?`,
		`DELETE FROM campaign_objectives WHERE campaign_id = ?`,
	}
	for _, query := range deletes {
		if _, err := tx.ExecContext(ctx, query, campaignID); err != nil {
			return fmt.Errorf("clear hierarchy rows: %w", err)
		}
	}

	for _, campaign := range hierarchy.Campaigns {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO campaign_objectives (id, campaign_id, description) VALUES (?, ?, ?)`,
			campaign.ID, campaignID, campaign.Description,
		); err != nil {
			return fmt.Errorf("insert campaign objective %s: %w", campaign.ID, err)
		}
		for _, questID := range campaign.QuestIDs {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO campaign_objective_quests (campaign_objective_id, quest_objective_id) VALUES (?, ?)`,
				campaign.ID, questID,
			); err != nil {
				return fmt.Errorf("link quest %s to %s: %w", questID, campaign.ID, err)
			}
		}
	}

	for _, quest := range hierarchy.Quests {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO quest_objectives (id, campaign_id, description, minimum_count) VALUES (?, ?, ?, ?)`,
			quest.ID, campaignID, quest.Description, quest.MinimumCount,
		); err != nil {
			return fmt.Errorf("insert quest objective %s: %w", quest.ID, err)
		}
		for _, requirement := range quest.Requirements {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO quest_requirements (quest_objective_id, requirement_id, acquisition_type) VALUES (?, ?, ?)`,
				quest.ID, requirement.ID, string(requirement.Type),
			); err != nil {
				return fmt.Errorf("insert requirement %s/%s: %w", quest.ID, requirement.ID, err)
			}
			for _, path := range requirement.Paths {
				if _, err := tx.ExecContext(
					ctx,
					`INSERT INTO requirement_paths (quest_objective_id, requirement_id, path_id, kind, source) VALUES (?, ?, ?, ?, ?)`,
					quest.ID, requirement.ID, path.ID, path.Kind, path.Source,
				); err != nil {
					return fmt.Errorf("insert path %s/%s/%s: %w", quest.ID, requirement.ID, path.ID, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hierarchy tx: %w", err)
	}
	return nil
}

// GetHierarchy loads the authored hierarchy for a campaign.
func (s *Store) GetHierarchy(ctx context.Context, campaignID string) (objdomain.Hierarchy, error) {
	if err := ctx.Err(); err != nil {
		return objdomain.Hierarchy{}, err
	}
	campaignID = strings.TrimSpace(campaignID)
	hierarchy := objdomain.Hierarchy{CampaignID: campaignID}

	campaignRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, description FROM campaign_objectives WHERE campaign_id = ? ORDER BY id`,
		campaignID,
	)
	if err != nil {
		return objdomain.Hierarchy{}, fmt.Errorf("query campaign objectives: %w", err)
	}
	defer campaignRows.Close()
	for campaignRows.Next() {
		campaign := objdomain.CampaignObjective{CampaignID: campaignID}
		if err := campaignRows.Scan(&campaign.ID, &campaign.Description); err != nil {
			return objdomain.Hierarchy{}, fmt.Errorf("scan campaign objective: %w", err)
		}
		hierarchy.Campaigns = append(hierarchy.Campaigns, campaign)
	}
	if err := campaignRows.Err(); err != nil {
		return objdomain.Hierarchy{}, fmt.Errorf("iterate campaign objectives: %w", err)
	}

	for i := range hierarchy.Campaigns {
		questRows, err := s.sqlDB.QueryContext(
			ctx,
			`SELECT quest_objective_id FROM campaign_objective_quests WHERE campaign_objective_id = ? ORDER BY quest_objective_id`,
			hierarchy.Campaigns[i].ID,
		)
		if err != nil {
			return objdomain.Hierarchy{}, fmt.Errorf("query objective quests: %w", err)
		}
		for questRows.Next() {
			var questID string
			if err := questRows.Scan(&questID); err != nil {
				questRows.Close()
				return objdomain.Hierarchy{}, fmt.Errorf("scan objective quest link: %w", err)
			}
			hierarchy.Campaigns[i].QuestIDs = append(hierarchy.Campaigns[i].QuestIDs, questID)
		}
		if err := questRows.Err(); err != nil {
			questRows.Close()
			return objdomain.Hierarchy{}, fmt.Errorf("iterate objective quest links: %w", err)
		}
		questRows.Close()
	}

	questRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, description, minimum_count FROM quest_objectives WHERE campaign_id = ? ORDER BY id`,
		campaignID,
	)
	if err != nil {
		return objdomain.Hierarchy{}, fmt.Errorf("query quest objectives: %w", err)
	}
	defer questRows.Close()
	for questRows.Next() {
		quest := objdomain.QuestObjective{CampaignID: campaignID}
		if err := questRows.Scan(&quest.ID, &quest.Description, &quest.MinimumCount); err != nil {
			return objdomain.Hierarchy{}, fmt.Errorf("scan quest objective: %w", err)
		}
		hierarchy.Quests = append(hierarchy.Quests, quest)
	}
	if err := questRows.Err(); err != nil {
		return objdomain.Hierarchy{}, fmt.Errorf("iterate quest objectives: %w", err)
	}

	for i := range hierarchy.Quests {
		requirements, err := s.loadRequirements(ctx, hierarchy.Quests[i].ID)
		if err != nil {
			return objdomain.Hierarchy{}, err
		}
		hierarchy.Quests[i].Requirements = requirements
	}

	if len(hierarchy.Campaigns) == 0 && len(hierarchy.Quests) == 0 {
		return objdomain.Hierarchy{}, storage.ErrNotFound
	}
	return hierarchy, nil
}

func (s *Store) loadRequirements(ctx context.Context, questID string) ([]objdomain.Requirement, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT requirement_id, acquisition_type FROM quest_requirements WHERE quest_objective_id = ? ORDER BY requirement_id`,
		questID,
	)
	if err != nil {
		return nil, fmt.Errorf("query requirements %s: %w", questID, err)
	}
	defer rows.Close()

	var requirements []objdomain.Requirement
	for rows.Next() {
		var requirement objdomain.Requirement
		var acquisitionType string
		if err := rows.Scan(&requirement.ID, &acquisitionType); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		requirement.Type = objdomain.AcquisitionType(acquisitionType)
		requirements = append(requirements, requirement)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirements: %w", err)
	}

	for i := range requirements {
		pathRows, err := s.sqlDB.QueryContext(
			ctx,
			`SELECT path_id, kind, source FROM requirement_paths WHERE quest_objective_id = ? AND requirement_id = ? ORDER BY path_id`,
			questID,
			requirements[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("query requirement paths: %w", err)
		}
		for pathRows.Next() {
			var path objdomain.AcquisitionPath
			if err := pathRows.Scan(&path.ID, &path.Kind, &path.Source); err != nil {
				pathRows.Close()
				return nil, fmt.Errorf("scan requirement path: %w", err)
			}
			requirements[i].Paths = append(requirements[i].Paths, path)
		}
		if err := pathRows.Err(); err != nil {
			pathRows.Close()
			return nil, fmt.Errorf("iterate requirement paths: %w", err)
		}
		pathRows.Close()
	}
	return requirements, nil
}
