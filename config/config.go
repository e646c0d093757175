// Package config loads a StoreConfig from an optional JSON file, .env files
// and STOREFRONT_* environment variables, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STOREFRONT"

// Load builds and validates a StoreConfig. path may be empty. envFiles
// defaults to ".env"; missing env files are ignored.
func Load(path string, envFiles ...string) (*types.StoreConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, types.WrapError(types.ErrConfigError, "failed to load env file", err)
	}

	cfg := &types.StoreConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("failed to read %s", path), err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("failed to parse %s", path), err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, types.WrapError(types.ErrConfigError, "failed to read environment", err)
	}

	cfg.ApplyDefaults()

	if err := utils.ValidateStoreConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
