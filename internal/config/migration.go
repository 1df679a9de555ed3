package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult describes what Migrate changed.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Changes     []string
}

// Migrate upgrades an older configuration in place. Files written before
// versioning carry Version 0 and may leave whole sections zeroed.
func Migrate(cfg *Config) *MigrationResult {
	if cfg.Version >= Version {
		return nil
	}
	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}
	def := DefaultConfig()

	if cfg.Save.DebounceMs == 0 {
		cfg.Save = def.Save
		result.Changes = append(result.Changes, "save: filled defaults")
	}
	if cfg.Reconnect.InitialDelayMs == 0 && cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect = def.Reconnect
		result.Changes = append(result.Changes, "reconnect: filled defaults")
	}
	if cfg.Prefetch.MaxEntries == 0 {
		cfg.Prefetch = def.Prefetch
		result.Changes = append(result.Changes, "prefetch: filled defaults")
	}
	if cfg.History.MaxSize == 0 {
		cfg.History = def.History
		result.Changes = append(result.Changes, "history: filled defaults")
	}
	if cfg.WAL.RetentionHours == 0 {
		cfg.WAL = def.WAL
		result.Changes = append(result.Changes, "wal: filled defaults")
	}

	cfg.Version = Version
	return result
}

// Write saves the configuration to a file. The format follows the
// extension and defaults to TOML.
func Write(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = encodeToTOML(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Tokens and DSNs may be present.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encodeToTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# xccmsync configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
