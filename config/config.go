// Package config loads the engine's runtime Options the way the rest of the
// corpus does: a .env file plus MONOLITE_-prefixed environment variables,
// unmarshaled through viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options carries every tunable the Database needs at Open time. Load fills
// in only the fields it finds set; it applies no defaults, and the other
// fields keep their zero values.
type Options struct {
	Path              string        `mapstructure:"path"`
	BufferPoolPages   int           `mapstructure:"buffer_pool_pages"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	SessionIdleTTL    time.Duration `mapstructure:"session_idle_ttl"`
	SessionSweep      time.Duration `mapstructure:"session_sweep_interval"`
	CursorIdleTTL     time.Duration `mapstructure:"cursor_idle_ttl"`
	CursorSweep       time.Duration `mapstructure:"cursor_sweep_interval"`
	DefaultBatchSize  int           `mapstructure:"default_batch_size"`
}

// Load reads configuration from a .env file (optional) and from environment
// variables carrying the given prefix (e.g. "MONOLITE_") into target.
// "MONOLITE_LOCK_TIMEOUT" becomes "lock_timeout", matching viper's
// mapstructure tags above.
func Load(prefix string, target interface{}) error {
	v := viper.New()

	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// A malformed .env is non-fatal here; Unmarshal below will
			// surface anything that actually breaks config loading.
		}
	}

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "_"))
			propKey = strings.TrimPrefix(propKey, "_")
			v.Set(propKey, value)
		}
	}

	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
