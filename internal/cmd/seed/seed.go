// Package seed parses seed command flags and imports objective hierarchies.
//
// Hierarchies are authored offline as JSON and loaded into the engine's
// sqlite store before a campaign goes live. Reimporting a campaign replaces
// its rows wholesale; player progress edges are untouched.
package seed

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	entrypoint "github.com/lorehall/engine/internal/platform/cmd"
	enginesqlite "github.com/lorehall/engine/internal/storage/sqlite"
)

// Config holds seed command configuration.
type Config struct {
	DBPath        string `env:"LOREHALL_SEED_DB_PATH" envDefault:"data/engine.db"`
	HierarchyPath string `env:"LOREHALL_SEED_HIERARCHY_PATH"`
	DryRun        bool
	Verbose       bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The engine SQLite database path")
	fs.StringVar(&cfg.HierarchyPath, "hierarchy", cfg.HierarchyPath, "Path to the hierarchy JSON file")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate the hierarchy without writing")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose output")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// hierarchyFile is the authored JSON layout.
type hierarchyFile struct {
	CampaignID string                        `json:"campaign_id"`
	Campaigns  []objdomain.CampaignObjective `json:"campaign_objectives"`
	Quests     []objdomain.QuestObjective    `json:"quest_objectives"`
}

// Run validates the hierarchy file and writes it to the store.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if strings.TrimSpace(cfg.HierarchyPath) == "" {
		return fmt.Errorf("hierarchy file path is required")
	}

	raw, err := os.ReadFile(cfg.HierarchyPath)
	if err != nil {
		return fmt.Errorf("read hierarchy file: %w", err)
	}
	var file hierarchyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode hierarchy file: %w", err)
	}

	hierarchy := objdomain.Hierarchy{
		CampaignID: strings.TrimSpace(file.CampaignID),
		Campaigns:  file.Campaigns,
		Quests:     file.Quests,
	}
	if err := validate(hierarchy); err != nil {
		return err
	}

	if cfg.Verbose {
		fmt.Fprintf(out, "campaign %s: %d campaign objective(s), %d quest objective(s)\n",
			hierarchy.CampaignID, len(hierarchy.Campaigns), len(hierarchy.Quests))
	}
	if cfg.DryRun {
		fmt.Fprintln(out, "dry run: hierarchy is valid, nothing written")
		return nil
	}

	store, err := enginesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open engine store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.SeedHierarchy(ctx, hierarchy); err != nil {
		return fmt.Errorf("seed hierarchy: %w", err)
	}
	fmt.Fprintf(out, "seeded hierarchy for campaign %s\n", hierarchy.CampaignID)
	return nil
}

func validate(hierarchy objdomain.Hierarchy) error {
	if hierarchy.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if len(hierarchy.Quests) == 0 {
		return fmt.Errorf("at least one quest objective is required")
	}

	questIDs := make(map[string]struct{}, len(hierarchy.Quests))
	for _, quest := range hierarchy.Quests {
		if strings.TrimSpace(quest.ID) == "" {
			return fmt.Errorf("quest objective with empty id")
		}
		if _, dup := questIDs[quest.ID]; dup {
			return fmt.Errorf("duplicate quest objective id %q", quest.ID)
		}
		questIDs[quest.ID] = struct{}{}
		if len(quest.Requirements) == 0 {
			return fmt.Errorf("quest objective %q has no requirements", quest.ID)
		}
		for _, requirement := range quest.Requirements {
			if !validAcquisitionType(requirement.Type) {
				return fmt.Errorf("quest objective %q: unknown acquisition type %q", quest.ID, requirement.Type)
			}
		}
	}

	for _, campaign := range hierarchy.Campaigns {
		if strings.TrimSpace(campaign.ID) == "" {
			return fmt.Errorf("campaign objective with empty id")
		}
		for _, questID := range campaign.QuestIDs {
			if _, ok := questIDs[questID]; !ok {
				return fmt.Errorf("campaign objective %q references unknown quest %q", campaign.ID, questID)
			}
		}
	}
	return nil
}

func validAcquisitionType(value objdomain.AcquisitionType) bool {
	switch value {
	case objdomain.AcquisitionKnowledge, objdomain.AcquisitionItem, objdomain.AcquisitionSceneVisit,
		objdomain.AcquisitionConversation, objdomain.AcquisitionChallenge:
		return true
	}
	return false
}
