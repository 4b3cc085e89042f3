package config

import (
	"fmt"
	"strings"

	"purchain/observability/logging"
)

// MaxOTSTrackingPage caps the configurable OTS page size.
const MaxOTSTrackingPage = uint64(1 << 20)

func ValidateConfig(c *Config) error {
	if c.DBCacheEntries < 0 {
		return fmt.Errorf("DBCacheEntries must not be negative")
	}
	if c.AccountCacheEntries < 0 {
		return fmt.Errorf("AccountCacheEntries must not be negative")
	}
	if level := strings.TrimSpace(c.LogLevel); level != "" && logging.ParseLevel(level).String() != strings.ToUpper(level) {
		return fmt.Errorf("LogLevel %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.Protocol.OTSTrackingPerPage > MaxOTSTrackingPage {
		return fmt.Errorf("Protocol.OTSTrackingPerPage %d above %d", c.Protocol.OTSTrackingPerPage, MaxOTSTrackingPage)
	}
	if c.Protocol.NMeasurement < 0 {
		return fmt.Errorf("Protocol.NMeasurement must not be negative")
	}
	seen := make(map[uint64]string, len(c.HardForks))
	for _, fork := range c.HardForks {
		if strings.TrimSpace(fork.Name) == "" {
			return fmt.Errorf("hard fork at height %d needs a name", fork.Height)
		}
		if prev, dup := seen[fork.Height]; dup {
			return fmt.Errorf("hard forks %q and %q share height %d", prev, fork.Name, fork.Height)
		}
		seen[fork.Height] = fork.Name
	}
	return nil
}
