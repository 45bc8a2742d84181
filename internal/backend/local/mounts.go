package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Container-side mount targets. The agent runner only knows these paths;
// host layout never leaks into the container.
const (
	targetProject = "/workspace/project"
	targetGroup   = "/workspace/group"
	targetGlobal  = "/workspace/global"
	targetServer  = "/workspace/server"
	targetIPC     = "/workspace/ipc"
	targetInput   = "/workspace/ipc/input"
	targetEnvFile = "/workspace/env/.env"
	targetRunner  = "/app/agent-runner"
	targetClaude  = "/home/agent/.claude"
)

// bindMount is one host→container bind.
type bindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// mountPolicy validates extra per-group mounts against an allowed-prefix
// list. An empty allowlist rejects every extra mount.
type mountPolicy struct {
	allowed []string
}

func newMountPolicy(prefixes []string) *mountPolicy {
	p := &mountPolicy{}
	for _, raw := range prefixes {
		clean := filepath.Clean(raw)
		if clean == "" || clean == "." {
			continue
		}
		p.allowed = append(p.allowed, clean)
	}
	return p
}

// check rejects sources with traversal segments or outside every allowed
// prefix. The source is cleaned before the prefix test so `/ok/../../etc`
// cannot smuggle past a literal prefix match.
func (p *mountPolicy) check(m store.Mount) error {
	if m.Source == "" || m.Target == "" {
		return fmt.Errorf("mount with empty source or target")
	}
	if !filepath.IsAbs(m.Source) {
		return fmt.Errorf("mount source %q not absolute", m.Source)
	}
	for _, seg := range strings.Split(m.Source, string(filepath.Separator)) {
		if seg == ".." {
			return fmt.Errorf("mount source %q contains traversal", m.Source)
		}
	}
	src := filepath.Clean(m.Source)
	for _, prefix := range p.allowed {
		if src == prefix || strings.HasPrefix(src, prefix+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("mount source %q outside allowed roots", m.Source)
}

// mountSpec carries everything the mount builder needs for one run.
type mountSpec struct {
	GroupDir   string // host path of the group workspace
	IPCDir     string // host path of the group IPC tree
	InputDir   string // host path of the active input lane
	EnvFile    string // host path of the filtered env file
	SessionDir string // host path of the per-group .claude dir

	ProjectRoot  string
	GlobalFolder string
	ServerDir    string
	RunnerDir    string

	IsMain bool
	Extra  []store.Mount
}

// buildMounts assembles the bind set in a stable order. Docker applies
// binds by target depth, so the input-lane override lands on top of the
// IPC tree mount.
func buildMounts(spec mountSpec, policy *mountPolicy) ([]bindMount, error) {
	var out []bindMount

	if spec.IsMain && spec.ProjectRoot != "" {
		out = append(out, bindMount{Source: spec.ProjectRoot, Target: targetProject})
	}
	out = append(out, bindMount{Source: spec.GroupDir, Target: targetGroup})
	if spec.GlobalFolder != "" {
		out = append(out, bindMount{Source: spec.GlobalFolder, Target: targetGlobal, ReadOnly: !spec.IsMain})
	}
	if spec.ServerDir != "" {
		out = append(out, bindMount{Source: spec.ServerDir, Target: targetServer})
	}
	out = append(out, bindMount{Source: spec.SessionDir, Target: targetClaude})
	out = append(out, bindMount{Source: spec.IPCDir, Target: targetIPC})
	out = append(out, bindMount{Source: spec.InputDir, Target: targetInput})
	if spec.EnvFile != "" {
		out = append(out, bindMount{Source: spec.EnvFile, Target: targetEnvFile, ReadOnly: true})
	}
	if spec.RunnerDir != "" {
		out = append(out, bindMount{Source: spec.RunnerDir, Target: targetRunner, ReadOnly: true})
	}

	for _, m := range spec.Extra {
		if err := policy.check(m); err != nil {
			return nil, fmt.Errorf("group mount rejected: %w", err)
		}
		out = append(out, bindMount{Source: filepath.Clean(m.Source), Target: m.Target, ReadOnly: m.ReadOnly})
	}
	return out, nil
}

// envPassPrefixes selects which host variables reach the agent's env file.
var envPassPrefixes = []string{
	"ANTHROPIC_",
	"CLAUDE_",
	"OPENAI_",
	"GEMINI_",
	"OPENROUTER_",
	"BRAVE_",
	"GITHUB_TOKEN",
}

// writeEnvFile materializes the filtered host environment for the
// container. Returns "" when nothing passes the filter.
func writeEnvFile(dir string) (string, error) {
	var b strings.Builder
	for _, kv := range os.Environ() {
		for _, prefix := range envPassPrefixes {
			if strings.HasPrefix(kv, prefix) {
				b.WriteString(kv)
				b.WriteByte('\n')
				break
			}
		}
	}
	if b.Len() == 0 {
		return "", nil
	}
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write env file: %w", err)
	}
	return path, nil
}
