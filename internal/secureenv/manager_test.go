package secureenv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(t *testing.T, vars []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		parts := strings.SplitN(v, "=", 2)
		require.Len(t, parts, 2, "malformed env entry %q", v)
		out[parts[0]] = parts[1]
	}
	return out
}

func TestFiltersUnsafeVariables(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "hunter2")
	t.Setenv("LANG", "en_US.UTF-8")

	env := envMap(t, NewManager(nil).BuildSecureEnvironment())

	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY")
	assert.Equal(t, "en_US.UTF-8", env["LANG"])
}

func TestWildcardAllowsLocaleFamily(t *testing.T) {
	t.Setenv("LC_MESSAGES", "C")

	env := envMap(t, NewManager(nil).BuildSecureEnvironment())
	assert.Equal(t, "C", env["LC_MESSAGES"])
}

func TestCustomVarsOverrideInherited(t *testing.T) {
	t.Setenv("LANG", "en_US.UTF-8")

	cfg := DefaultEnvConfig()
	cfg.CustomVars["LANG"] = "C"
	cfg.CustomVars["API_TOKEN"] = "tok"

	env := envMap(t, NewManager(cfg).BuildSecureEnvironment())
	assert.Equal(t, "C", env["LANG"])
	assert.Equal(t, "tok", env["API_TOKEN"])
}

func TestNoInheritanceKeepsOnlyCustomVars(t *testing.T) {
	t.Setenv("LANG", "en_US.UTF-8")

	cfg := &EnvConfig{CustomVars: map[string]string{"ONLY": "this"}}
	env := envMap(t, NewManager(cfg).BuildSecureEnvironment())

	assert.Equal(t, map[string]string{"ONLY": "this"}, env)
}

func TestAllowedKeyMatchingIsCaseInsensitive(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, m.isKeyAllowed("path"))
	assert.True(t, m.isKeyAllowed("PATH"))
	assert.False(t, m.isKeyAllowed("LD_PRELOAD"))
}
