package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"purchain/core/params"
)

type Config struct {
	DataDir     string `toml:"DataDir"`
	GenesisFile string `toml:"GenesisFile"`
	Environment string `toml:"Environment"`
	// DBCacheEntries bounds the read-through cache in front of LevelDB.
	DBCacheEntries int `toml:"DBCacheEntries"`
	// AccountCacheEntries bounds the decoded-account cache of the read API.
	AccountCacheEntries int    `toml:"AccountCacheEntries"`
	LogLevel            string `toml:"LogLevel"`
	LogFile             string `toml:"LogFile"`
	LogMaxSizeMB        int    `toml:"LogMaxSizeMB"`
	LogMaxBackups       int    `toml:"LogMaxBackups"`
	MetricsAddress      string `toml:"MetricsAddress"`

	Telemetry Telemetry         `toml:"Telemetry"`
	Protocol  Protocol          `toml:"Protocol"`
	HardForks []params.HardFork `toml:"HardForks"`
}

// Telemetry configures the OTLP exporters. Both are off by default.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	// Headers is a comma separated key=value list.
	Headers string `toml:"Headers"`
	Traces  bool   `toml:"Traces"`
	Metrics bool   `toml:"Metrics"`
}

// Protocol overrides the mainnet parameters at genesis.
type Protocol struct {
	// OTSTrackingPerPage is fixed for the lifetime of a data directory.
	OTSTrackingPerPage uint64 `toml:"OTSTrackingPerPage"`
	CoinbaseAddress    string `toml:"CoinbaseAddress"`
	NMeasurement       int    `toml:"NMeasurement"`
	params.Overrides
}

const (
	DefaultDBCacheEntries = 65536
	DefaultLogMaxSizeMB   = 100
	DefaultLogMaxBackups  = 5
)

// Load loads the configuration from the given path. A missing file is
// replaced by the defaults, which are written back to path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	cfg := &Config{
		DataDir:     "./pur-data",
		GenesisFile: "",
		LogLevel:    "info",
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./pur-data"
	}
	if cfg.DBCacheEntries == 0 {
		cfg.DBCacheEntries = DefaultDBCacheEntries
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogMaxSizeMB == 0 {
		cfg.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.LogMaxBackups == 0 {
		cfg.LogMaxBackups = DefaultLogMaxBackups
	}
}

// Schedule resolves the protocol parameters and hard forks.
func (c *Config) Schedule() (*params.Schedule, error) {
	base := params.Default()
	if c.Protocol.OTSTrackingPerPage != 0 {
		base.OTSTrackingPerPage = c.Protocol.OTSTrackingPerPage
	}
	if c.Protocol.NMeasurement != 0 {
		base.NMeasurement = c.Protocol.NMeasurement
	}
	if addr := strings.TrimSpace(c.Protocol.CoinbaseAddress); addr != "" {
		decoded, err := hexutil.Decode(addr)
		if err != nil {
			return nil, fmt.Errorf("Protocol.CoinbaseAddress: %w", err)
		}
		base.CoinbaseAddress = decoded
	}
	c.Protocol.Overrides.Apply(&base)
	return params.NewSchedule(base, c.HardForks)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
