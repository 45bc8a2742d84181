package hetzner

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// Workspace keys are scoped to the live run's agent id, so the file
// surface only answers while an agent is up.
func TestFileOpsRequireLiveAgent(t *testing.T) {
	h := &Hetzner{running: map[string]string{}}

	if _, err := h.ReadFile(context.Background(), "family", "notes.md"); err == nil {
		t.Fatal("ReadFile without a live agent returned no error")
	}
	if err := h.WriteFile(context.Background(), "family", "notes.md", []byte("x")); err == nil {
		t.Fatal("WriteFile without a live agent returned no error")
	}

	h.running["family"] = "family-1700000000000"
	if id, ok := h.agentFor("family"); !ok || id != "family-1700000000000" {
		t.Fatalf("agentFor = %q/%v, want the registered agent id", id, ok)
	}
}

func TestStageWorkspaceMissingDirIsNoop(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	h := &Hetzner{cfg: cfg, running: map[string]string{"family": "family-1"}}

	if err := h.stageWorkspace(context.Background(), "family"); err != nil {
		t.Fatalf("stage on a missing workspace: %v", err)
	}
}
