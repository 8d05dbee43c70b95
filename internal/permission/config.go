package permission

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelai/runtime/pkg/models"
)

// FileConfig is the on-disk shape of the permission gate's whitelist
// file: `{ whitelist: [Rule], enabled: bool,
// session_grant_duration_secs: uint64 }`. Session grants themselves are
// never persisted.
type FileConfig struct {
	Whitelist                []models.Rule `yaml:"whitelist"`
	Enabled                  bool          `yaml:"enabled"`
	SessionGrantDurationSecs uint64        `yaml:"session_grant_duration_secs"`
}

// LoadConfig reads a whitelist file and builds a ready-to-use Gate.
func LoadConfig(path string) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permission config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse permission config: %w", err)
	}
	return FromFileConfig(fc), nil
}

// FromFileConfig builds a Gate from an already-parsed FileConfig.
func FromFileConfig(fc FileConfig) *Gate {
	g := NewGate()
	g.SetEnabled(fc.Enabled)
	if fc.SessionGrantDurationSecs > 0 {
		g.SetDefaultGrantDuration(time.Duration(fc.SessionGrantDurationSecs) * time.Second)
	}
	for _, rule := range fc.Whitelist {
		g.AddRule(rule)
	}
	return g
}

// Save writes the gate's current whitelist to path in FileConfig's shape.
func (g *Gate) Save(path string, sessionGrantDurationSecs uint64) error {
	g.mu.RLock()
	enabled := g.enabled
	g.mu.RUnlock()

	fc := FileConfig{
		Whitelist:                g.GetRules(),
		Enabled:                  enabled,
		SessionGrantDurationSecs: sessionGrantDurationSecs,
	}
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode permission config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
