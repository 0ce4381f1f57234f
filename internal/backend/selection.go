package backend

import (
	"os"
	"strings"

	"github.com/harrison/looper/internal/models"
)

// Environment variables consulted during selection.
const (
	EnvBackend  = "LOOPER_BACKEND"
	EnvSubagent = "LOOPER_SUBAGENT"
)

// Hard-coded fallbacks used when nothing else is configured.
const (
	FallbackBackend  = models.BackendScript
	FallbackSubagent = models.SubagentClaude
)

// LookupEnv matches os.LookupEnv so tests can substitute the environment.
type LookupEnv func(key string) (string, bool)

// Selector resolves backend and subagent with a fixed precedence:
// explicit argument, then environment, then project config, then fallback.
type Selector struct {
	Env            LookupEnv
	ConfigBackend  string
	ConfigSubagent string
}

// NewSelector uses the process environment.
func NewSelector(configBackend, configSubagent string) Selector {
	return Selector{Env: os.LookupEnv, ConfigBackend: configBackend, ConfigSubagent: configSubagent}
}

// ResolveBackendType picks the backend. Any non-empty level that fails to
// parse is an error rather than a silent fall-through.
func (s Selector) ResolveBackendType(explicit string) (models.BackendType, error) {
	raw := s.first(explicit, EnvBackend, s.ConfigBackend)
	if raw == "" {
		return FallbackBackend, nil
	}
	return models.ParseBackendType(raw)
}

// ResolveSubagent picks the subagent with the same precedence.
func (s Selector) ResolveSubagent(explicit string) (models.Subagent, error) {
	raw := s.first(explicit, EnvSubagent, s.ConfigSubagent)
	if raw == "" {
		return FallbackSubagent, nil
	}
	return models.ParseSubagent(raw)
}

func (s Selector) first(explicit, envKey, configured string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if s.Env != nil {
		if v, ok := s.Env(envKey); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(configured)
}
