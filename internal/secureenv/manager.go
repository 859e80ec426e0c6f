// Package secureenv builds the environment passed to stdio server
// processes. Child servers get a filtered allow-list of system variables
// plus whatever the server descriptor sets explicitly, never the host
// process's full environment.
package secureenv

import (
	"os"
	"runtime"
	"strings"
)

const osWindows = "windows"

// EnvConfig controls which variables reach a child server process.
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars"`
	CustomVars        map[string]string `json:"custom_vars"`
}

// DefaultEnvConfig allows the variables a well-behaved server needs to
// start: PATH, home and temp directories, locale and terminal settings.
func DefaultEnvConfig() *EnvConfig {
	allowed := []string{
		"PATH",
		"HOME",
		"TMPDIR",
		"TEMP",
		"TMP",
		"SHELL",
		"TERM",
		"LANG",
		"USER",
		"USERNAME",
		"LC_*",
	}

	if runtime.GOOS == osWindows {
		allowed = append(allowed,
			"USERPROFILE",
			"APPDATA",
			"LOCALAPPDATA",
			"SYSTEMROOT",
			"COMSPEC",
		)
	} else {
		allowed = append(allowed,
			"XDG_CONFIG_HOME",
			"XDG_DATA_HOME",
			"XDG_CACHE_HOME",
			"XDG_RUNTIME_DIR",
		)
	}

	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowed,
		CustomVars:        make(map[string]string),
	}
}

// Manager filters the host environment down to the configured allow-list.
type Manager struct {
	config *EnvConfig
}

func NewManager(config *EnvConfig) *Manager {
	if config == nil {
		config = DefaultEnvConfig()
	}
	return &Manager{config: config}
}

// BuildSecureEnvironment returns the KEY=VALUE list for the child process.
// Custom variables win over inherited system variables of the same name.
func (m *Manager) BuildSecureEnvironment() []string {
	var envVars []string

	if m.config.InheritSystemSafe {
		for _, envVar := range os.Environ() {
			key := envVar[:strings.IndexByte(envVar+"=", '=')]
			if _, overridden := m.config.CustomVars[key]; overridden {
				continue
			}
			if m.isKeyAllowed(key) {
				envVars = append(envVars, envVar)
			}
		}
	}

	for k, v := range m.config.CustomVars {
		envVars = append(envVars, k+"="+v)
	}

	return envVars
}

func (m *Manager) isKeyAllowed(key string) bool {
	for _, allowed := range m.config.AllowedSystemVars {
		if strings.HasSuffix(allowed, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(allowed, "*")) {
				return true
			}
		} else if strings.EqualFold(allowed, key) {
			return true
		}
	}
	return false
}
