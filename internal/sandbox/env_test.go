package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(env []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range env {
		if key, value, ok := strings.Cut(kv, "="); ok {
			m[key] = value
		}
	}
	return m
}

func testSpec() EnvSpec {
	return EnvSpec{
		SandboxID:    "sb-1",
		AgentDir:     "/data/agents/helper",
		WorkspaceDir: "/data/sandboxes/sb-1/workspace",
		SocketPath:   "/data/sandboxes/sb-1/bridge.sock",
	}
}

func TestBuildEnvExcludesSecrets(t *testing.T) {
	hostEnv := []string{
		"PATH=/usr/bin",
		"AWS_SECRET_ACCESS_KEY=topsecret",
		"AWS_ACCESS_KEY_ID=AKIA",
		"SSH_AUTH_SOCK=/tmp/ssh.sock",
		"GITHUB_TOKEN=ghp_x",
		"DATABASE_URL=postgres://u:p@h/db",
		"PGPASSWORD=pg",
		"NPM_TOKEN=npm_x",
		"REDIS_URL=redis://h",
		"OPENAI_API_KEY=sk-x",
		"STRIPE_SECRET_KEY=sk_live",
		"DOCKER_HOST=tcp://h",
	}

	got := envMap(BuildEnv(hostEnv, testSpec()))

	for _, forbidden := range []string{
		"AWS_SECRET_ACCESS_KEY", "AWS_ACCESS_KEY_ID", "SSH_AUTH_SOCK",
		"GITHUB_TOKEN", "DATABASE_URL", "PGPASSWORD", "NPM_TOKEN",
		"REDIS_URL", "OPENAI_API_KEY", "STRIPE_SECRET_KEY", "DOCKER_HOST",
	} {
		assert.NotContains(t, got, forbidden)
	}
	assert.Equal(t, "/usr/bin", got["PATH"])
}

func TestBuildEnvPassthrough(t *testing.T) {
	hostEnv := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"LANG=en_US.UTF-8",
		"TERM=xterm",
		"NODE_PATH=/usr/lib/node",
		"ANTHROPIC_API_KEY=sk-ant-xyz",
		"ANTHROPIC_BASE_URL=https://api.example.com",
		"ASH_DEBUG_TIMING=1",
	}

	got := envMap(BuildEnv(hostEnv, testSpec()))

	assert.Equal(t, "sk-ant-xyz", got["ANTHROPIC_API_KEY"])
	assert.Equal(t, "https://api.example.com", got["ANTHROPIC_BASE_URL"])
	assert.Equal(t, "/home/u", got["HOME"])
	assert.Equal(t, "1", got["ASH_DEBUG_TIMING"])
}

func TestBuildEnvAnthropicKeyOnlyWhenSet(t *testing.T) {
	got := envMap(BuildEnv([]string{"PATH=/bin"}, testSpec()))
	assert.NotContains(t, got, "ANTHROPIC_API_KEY")
}

func TestBuildEnvInjectsSandboxIdentity(t *testing.T) {
	got := envMap(BuildEnv(nil, testSpec()))
	assert.Equal(t, "sb-1", got["ASH_SANDBOX_ID"])
	assert.Equal(t, "/data/agents/helper", got["ASH_AGENT_DIR"])
	assert.Equal(t, "/data/sandboxes/sb-1/workspace", got["ASH_WORKSPACE_DIR"])
	assert.Equal(t, "/data/sandboxes/sb-1/bridge.sock", got["ASH_BRIDGE_SOCKET"])
}

func TestBuildEnvExtraEnvMergedLast(t *testing.T) {
	spec := testSpec()
	spec.ExtraEnv = map[string]string{
		"TERM":       "dumb",
		"CUSTOM_VAR": "yes",
	}
	got := envMap(BuildEnv([]string{"TERM=xterm"}, spec))
	assert.Equal(t, "dumb", got["TERM"])
	assert.Equal(t, "yes", got["CUSTOM_VAR"])
}

func TestBuildEnvDeterministicOrder(t *testing.T) {
	hostEnv := []string{"PATH=/bin", "HOME=/h", "LANG=C"}
	first := BuildEnv(hostEnv, testSpec())
	second := BuildEnv(hostEnv, testSpec())
	require.Equal(t, first, second)
}
