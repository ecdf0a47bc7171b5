package sandbox

import (
	"sort"
	"strings"

	"github.com/ash-run/ash/protocol"
)

// passthroughVars is the full allowlist of host variables a sandbox may see.
// Everything else — cloud credentials, tokens, DB URLs — is dropped. The
// only secret allowed through is ANTHROPIC_API_KEY.
var passthroughVars = map[string]bool{
	"PATH":                     true,
	"HOME":                     true,
	"LANG":                     true,
	"TERM":                     true,
	"NODE_PATH":                true,
	"ANTHROPIC_API_KEY":        true,
	"ANTHROPIC_BASE_URL":       true,
	"ANTHROPIC_CUSTOM_HEADERS": true,
}

// EnvSpec carries the sandbox-specific values injected into the child env.
type EnvSpec struct {
	SandboxID    string
	AgentDir     string
	WorkspaceDir string
	SocketPath   string
	ExtraEnv     map[string]string
}

// BuildEnv constructs the child environment from scratch: allowlisted host
// vars, ASH_* knobs, the sandbox identity vars, then ExtraEnv merged last.
func BuildEnv(hostEnv []string, spec EnvSpec) []string {
	merged := make(map[string]string)
	for _, kv := range hostEnv {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if passthroughVars[key] || strings.HasPrefix(key, "ASH_") {
			merged[key] = value
		}
	}

	merged[protocol.EnvSandboxID] = spec.SandboxID
	merged[protocol.EnvAgentDir] = spec.AgentDir
	merged[protocol.EnvWorkspaceDir] = spec.WorkspaceDir
	merged[protocol.EnvBridgeSocket] = spec.SocketPath

	for key, value := range spec.ExtraEnv {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	return env
}
