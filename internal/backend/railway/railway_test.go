package railway

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func TestFileOpsRequireLiveAgent(t *testing.T) {
	r := &Railway{running: map[string]string{}}

	if _, err := r.ReadFile(context.Background(), "family", "notes.md"); err == nil {
		t.Fatal("ReadFile without a live agent returned no error")
	}
	if err := r.WriteFile(context.Background(), "family", "notes.md", []byte("x")); err == nil {
		t.Fatal("WriteFile without a live agent returned no error")
	}

	r.running["family"] = "family-1700000000000"
	if id, ok := r.agentFor("family"); !ok || id != "family-1700000000000" {
		t.Fatalf("agentFor = %q/%v, want the registered agent id", id, ok)
	}
}

func TestStageWorkspaceMissingDirIsNoop(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	r := &Railway{cfg: cfg, running: map[string]string{"family": "family-1"}}

	if err := r.stageWorkspace(context.Background(), "family"); err != nil {
		t.Fatalf("stage on a missing workspace: %v", err)
	}
}
