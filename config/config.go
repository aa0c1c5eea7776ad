// Package config loads the ingester's regions file and environment
// overrides, following the JSON-settings-file-plus-flags convention the
// rest of this codebase's family of services uses (see
// collector/history.go's Settings struct).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Region describes one upstream MQTT broker this ingester subscribes to.
type Region struct {
	Name         string `json:"name"`
	BrokerURL    string `json:"broker_url"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	TopicPattern string `json:"topic_pattern"`
	ChannelPSK   string `json:"channel_psk"`
	// Untested marks a region whose configured name carried the
	// "untested_" prefix (stripped from Name, following
	// original_source/meshtastic_ingester.py::load_regions_config). The
	// flag is reported in the /config diagnostics view only; readings
	// from the region are not tagged with it.
	Untested bool `json:"-"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Regions []Region `json:"regions"`

	OutputBrokerURL string `json:"output_broker_url"`
	OutputTopicBase string `json:"output_topic_base"`

	// MeshtasticMode selects which network this ingester is consuming:
	// "community" (the public MQTT relay) or "downlink" (a
	// privately-operated gateway). It determines the DataSource constant
	// stamped on every enriched reading.
	MeshtasticMode string `json:"meshtastic_mode"`

	ClickHouseDSN   string `json:"clickhouse_dsn"`
	ClickHouseTable string `json:"clickhouse_table"`

	DedupRedisAddr string `json:"dedup_redis_addr"`

	GazetteerPath   string `json:"gazetteer_path"`
	NominatimURL    string `json:"nominatim_url"`
	NominatimUserAgent string `json:"nominatim_user_agent"`

	PositionCachePath string `json:"position_cache_path"`
	PendingCachePath  string `json:"pending_cache_path"`
	GeocodeCachePath  string `json:"geocode_cache_path"`

	LogDir   string `json:"log_dir"`
	LogLevel string `json:"log_level"`

	DiagnosticsAddr string `json:"diagnostics_addr"`

	StatsInterval time.Duration `json:"-"`
}

// DataSource constants mirror original_source/meshtastic_ingester.py's
// DATA_SOURCE, selected by MESHTASTIC_MODE.
const (
	DataSourceCommunity = "MESHTASTIC_COMMUNITY"
	DataSourceDownlink  = "MESHTASTIC_DOWNLINK"
)

// DataSource returns the DATA_SOURCE constant for the configured mode:
// any mode other than "community" is treated as "downlink", matching
// the original's "public" backwards-compatibility alias.
func (c *Config) DataSource() string {
	if c.MeshtasticMode == "community" {
		return DataSourceCommunity
	}
	return DataSourceDownlink
}

// Defaults returns a Config populated with the same fallbacks
// original_source/meshtastic_ingester.py uses for anything a regions file
// or environment doesn't specify.
func Defaults() Config {
	return Config{
		OutputTopicBase:    "wesense/v1",
		MeshtasticMode:     "community",
		ClickHouseTable:    "sensor_readings",
		PositionCachePath:  "position_cache.json",
		PendingCachePath:   "pending_telemetry.json",
		GeocodeCachePath:   "geocoding_cache.json",
		LogDir:             "logs",
		LogLevel:           "info",
		DiagnosticsAddr:    ":8090",
		NominatimUserAgent: "wesense-ingester/1.0",
		StatsInterval:      5 * time.Minute,
	}
}

// Load reads the regions file at path, applies environment overrides (a
// local .env file is loaded first, matching the bootstrap style of the
// 02loveslollipop precipitation viewer), and returns the resolved config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: opening %s: %w", path, err)
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	stripUntestedPrefixes(&cfg)
	applyEnvOverrides(&cfg)
	normalizeMeshtasticMode(&cfg)

	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("config: no regions configured")
	}
	return &cfg, nil
}

// stripUntestedPrefixes mirrors load_regions_config in
// original_source/meshtastic_ingester.py: a region name prefixed
// "untested_" is displayed without the prefix but flagged internally.
func stripUntestedPrefixes(cfg *Config) {
	for i, r := range cfg.Regions {
		if strings.HasPrefix(r.Name, "untested_") {
			cfg.Regions[i].Name = strings.TrimPrefix(r.Name, "untested_")
			cfg.Regions[i].Untested = true
		}
	}
}

// normalizeMeshtasticMode mirrors original_source/meshtastic_ingester.py's
// "public" backwards-compatibility alias for "downlink".
func normalizeMeshtasticMode(cfg *Config) {
	cfg.MeshtasticMode = strings.ToLower(cfg.MeshtasticMode)
	if cfg.MeshtasticMode == "public" {
		cfg.MeshtasticMode = "downlink"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESHTASTIC_MODE"); v != "" {
		cfg.MeshtasticMode = v
	}
	if v := os.Getenv("WESENSE_CLICKHOUSE_DSN"); v != "" {
		cfg.ClickHouseDSN = v
	}
	if v := os.Getenv("WESENSE_DEDUP_REDIS_ADDR"); v != "" {
		cfg.DedupRedisAddr = v
	}
	if v := os.Getenv("WESENSE_OUTPUT_BROKER_URL"); v != "" {
		cfg.OutputBrokerURL = v
	}
	if v := os.Getenv("WESENSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WESENSE_DIAGNOSTICS_ADDR"); v != "" {
		cfg.DiagnosticsAddr = v
	}
	if v := os.Getenv("WESENSE_STATS_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.StatsInterval = time.Duration(secs) * time.Second
		}
	}
}
