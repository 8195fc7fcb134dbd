package seed

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	enginesqlite "github.com/lorehall/engine/internal/storage/sqlite"
)

const validHierarchy = `{
  "campaign_id": "camp-1",
  "campaign_objectives": [
    {"id": "c1", "description": "uncover the conspiracy", "quest_ids": ["q1"]}
  ],
  "quest_objectives": [
    {
      "id": "q1",
      "description": "find the evidence",
      "requirements": [
        {"id": "k1", "type": "knowledge", "paths": [{"id": "npc-archivist", "kind": "npc"}]},
        {"id": "i1", "type": "item"}
      ]
    }
  ]
}`

func writeHierarchy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hierarchy.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write hierarchy file: %v", err)
	}
	return path
}

func TestRunSeedsHierarchy(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	cfg := Config{
		DBPath:        dbPath,
		HierarchyPath: writeHierarchy(t, validHierarchy),
	}
	var out bytes.Buffer
	if err := Run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "seeded hierarchy for campaign camp-1") {
		t.Fatalf("output = %q", out.String())
	}

	store, err := enginesqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	hierarchy, err := store.GetHierarchy(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("get hierarchy: %v", err)
	}
	quest, ok := hierarchy.Quest("q1")
	if !ok || len(quest.Requirements) != 2 {
		t.Fatalf("seeded quest = %+v", quest)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	cfg := Config{
		DBPath:        dbPath,
		HierarchyPath: writeHierarchy(t, validHierarchy),
		DryRun:        true,
	}
	if err := Run(context.Background(), cfg, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatalf("dry run touched the database: %v", err)
	}
}

func TestRunRejectsInvalidHierarchies(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing campaign id",
			content: `{"quest_objectives": [{"id": "q1", "requirements": [{"id": "k1", "type": "knowledge"}]}]}`,
			wantErr: "campaign_id is required",
		},
		{
			name:    "no quests",
			content: `{"campaign_id": "camp-1"}`,
			wantErr: "at least one quest objective",
		},
		{
			name: "dangling quest link",
			content: `{
			  "campaign_id": "camp-1",
			  "campaign_objectives": [{"id": "c1", "quest_ids": ["missing"]}],
			  "quest_objectives": [{"id": "q1", "requirements": [{"id": "k1", "type": "knowledge"}]}]
			}`,
			wantErr: "references unknown quest",
		},
		{
			name: "unknown acquisition type",
			content: `{
			  "campaign_id": "camp-1",
			  "quest_objectives": [{"id": "q1", "requirements": [{"id": "x", "type": "reputation"}]}]
			}`,
			wantErr: "unknown acquisition type",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				DBPath:        filepath.Join(t.TempDir(), "engine.db"),
				HierarchyPath: writeHierarchy(t, tc.content),
			}
			err := Run(context.Background(), cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	t.Setenv("LOREHALL_SEED_DB_PATH", "/tmp/seed-test.db")

	cfg, err := ParseConfig(fs, []string{"-hierarchy", "campaign.json", "-dry-run"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "/tmp/seed-test.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.HierarchyPath != "campaign.json" {
		t.Fatalf("hierarchy path = %q", cfg.HierarchyPath)
	}
	if !cfg.DryRun {
		t.Fatal("dry run flag not set")
	}
}
