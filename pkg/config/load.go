package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/lprior-repo/isolate/pkg/types"
)

const maxConfigFileSize = 1 << 20 // 1 MiB, spec §6 rule (3)

// validKeys is the complete set of recognized top-level and nested TOML
// keys, used to produce a helpful listing when rejecting unknown keys.
var validKeys = []string{
	"workspace_dir", "main_branch", "default_template", "state_db",
	"watch.enabled", "watch.debounce_ms",
	"hooks.post_create", "hooks.pre_remove", "hooks.post_merge",
	"session.auto_commit", "session.max_sessions",
	"recovery.policy", "recovery.log_recovered",
	"recovery.auto_recover_corrupted_wal", "recovery.delete_corrupted_database",
}

// decodeStrict parses raw TOML bytes into a partial, rejecting unknown
// keys (spec §6 rule 1).
func decodeStrict(data []byte) (partial, error) {
	var p partial
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return partial{}, types.New(types.KindInvalidConfig,
			fmt.Sprintf("invalid config: %v (valid keys: %s)", err, strings.Join(validKeys, ", ")))
	}
	return p, nil
}

// readLayerFile loads one optional config file layer. A missing file is
// not an error (the layer is simply absent); a present file that is a
// symlink or exceeds the size limit is refused.
func readLayerFile(path string) (partial, bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return partial{}, false, nil
		}
		return partial{}, false, types.Wrap(types.KindIOError, err, "cannot stat config file "+path)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return partial{}, false, types.New(types.KindInvalidConfig,
			"config file "+path+" is a symlink, refusing to read it").
			WithSuggestion("replace the symlink with a regular file")
	}

	if info.Size() > maxConfigFileSize {
		return partial{}, false, types.New(types.KindInvalidConfig,
			fmt.Sprintf("config file %s is %d bytes, exceeds the 1 MiB limit", path, info.Size()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return partial{}, false, types.Wrap(types.KindIOError, err, "cannot read config file "+path)
	}

	p, err := decodeStrict(data)
	if err != nil {
		return partial{}, false, err
	}
	return p, true, nil
}

// GlobalConfigPath returns ~/.config/<app>/config.toml.
func GlobalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", types.Wrap(types.KindIOError, err, "cannot determine home directory")
	}
	return filepath.Join(home, ".config", AppName, "config.toml"), nil
}

// ProjectConfigPath returns ./.<app>/config.toml relative to dir.
func ProjectConfigPath(dir string) string {
	return filepath.Join(dir, "."+AppName, "config.toml")
}

// Load resolves the full layered configuration for a project rooted at
// projectDir: defaults → global → project → environment. Load does not
// apply CLI-flag overrides, the final layer in spec §6; this package has
// no flag handling.
func Load(projectDir string) (Config, error) {
	cfg := Defaults()

	globalPath, err := GlobalConfigPath()
	if err != nil {
		return Config{}, err
	}
	if p, ok, err := readLayerFile(globalPath); err != nil {
		return Config{}, err
	} else if ok {
		cfg = p.applyTo(cfg)
	}

	projectPath := ProjectConfigPath(projectDir)
	if p, ok, err := readLayerFile(projectPath); err != nil {
		return Config{}, err
	} else if ok {
		cfg = p.applyTo(cfg)
	}

	cfg = applyEnv(cfg)

	cfg = substituteRepoPlaceholder(cfg, projectDir)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// substituteRepoPlaceholder replaces "{repo}" in workspace_dir with the
// containing directory's base name (spec §6 rule 6).
func substituteRepoPlaceholder(cfg Config, projectDir string) Config {
	repo := filepath.Base(filepath.Clean(projectDir))
	cfg.WorkspaceDir = strings.ReplaceAll(cfg.WorkspaceDir, "{repo}", repo)
	return cfg
}
