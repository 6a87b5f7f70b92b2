package apply

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const localConfigName = ".update_config.json"

// LocalConfig is the on-disk record of what a local_dir currently has
// installed, persisted at its root after every committed apply and after
// every apply that finds no update needed. The wire
// shape is fixed: exactly these two fields, version and last_check_time.
type LocalConfig struct {
	Version       *string    `json:"version"`
	LastCheckTime *time.Time `json:"last_check_time"`
}

func localConfigPath(localDir string) string {
	return filepath.Join(localDir, localConfigName)
}

// loadLocalConfig reads the config for localDir, returning a zero-value
// config (no version, no last check time) if none exists yet — the fresh-install
// case.
func loadLocalConfig(localDir string) (LocalConfig, error) {
	return ReadLocalConfig(localDir)
}

// ReadLocalConfig reads the installed-version record for localDir. A
// directory with no prior apply returns a zero-value config rather than
// an error, so a caller can use it directly for the fresh-install case.
func ReadLocalConfig(localDir string) (LocalConfig, error) {
	data, err := os.ReadFile(localConfigPath(localDir))
	if os.IsNotExist(err) {
		return LocalConfig{}, nil
	}

	if err != nil {
		return LocalConfig{}, err
	}

	var cfg LocalConfig

	return cfg, json.Unmarshal(data, &cfg)
}

// saveLocalConfig writes cfg atomically via a temp file plus rename, so a
// crash mid-write never leaves a torn config behind.
func saveLocalConfig(localDir string, cfg LocalConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path := localConfigPath(localDir)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
