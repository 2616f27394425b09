// Package config loads Kestrel configuration from an optional file and
// KESTREL_* environment variables layered over the tier defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KESTREL"

// envKeys are the settings that can be overridden from the environment,
// e.g. KESTREL_REPOSITORY_DRIVER or KESTREL_SWEEP_INTERVAL=2m.
var envKeys = []string{
	"tier",
	"server.host",
	"server.port",
	"server.ratelimitrps",
	"server.ratelimitburst",
	"repository.driver",
	"repository.sqlitepath",
	"repository.postgreshost",
	"repository.postgresport",
	"repository.postgresuser",
	"repository.postgrespassword",
	"repository.postgresdb",
	"repository.postgressslmode",
	"cache.type",
	"cache.redisaddr",
	"cache.redispassword",
	"cache.redisdb",
	"eventbus.type",
	"eventbus.natsurl",
	"eventbus.natstoken",
	"eventbus.natsqueuegroup",
	"graph.type",
	"graph.neo4juri",
	"graph.neo4juser",
	"graph.neo4jpassword",
	"graph.neo4jdatabase",
	"origin.type",
	"origin.geoippath",
	"sweep.enabled",
	"sweep.interval",
	"ratelimit.enabled",
	"ratelimit.failopen",
	"logging.level",
	"logging.format",
	"tracing.enabled",
	"metrics.enabled",
}

// Load builds the configuration. path may be empty, in which case only the
// environment is consulted. The result is validated.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := v.BindEnv("debug"); err != nil {
		return nil, fmt.Errorf("bind debug: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
