// Package config loads livetrack configuration through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from a JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName("livetrack.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	viper.SetEnvPrefix("LIVETRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}
	return nil
}

// SetDefaults registers default values for every config key. Split out of
// Load so tests and the agent can run without a config file on disk.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("server.listen", ":8090")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "livetrack")

	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "livetrack-metrics")
	viper.SetDefault("influx.bucket", "livetrack")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("auth.baseUrl", "http://localhost:9999")
	viper.SetDefault("auth.apiKey", "")
	viper.SetDefault("auth.redirectUrl", "http://localhost:3000/auth/callback")
	viper.SetDefault("auth.cacheTtl", time.Minute)

	viper.SetDefault("api.serverUrl", "http://localhost:8090")
	viper.SetDefault("api.token", "")

	// Empty means derive ws(s)://<api.serverUrl>/ws.
	viper.SetDefault("feed.url", "")
	viper.SetDefault("feed.buffer", 256)

	viper.SetDefault("tracker.highAccuracy", true)
	viper.SetDefault("tracker.maxSampleAge", 5*time.Second)
	viper.SetDefault("tracker.timeout", 20*time.Second)
	viper.SetDefault("tracker.flushInterval", 2*time.Second)
	viper.SetDefault("tracker.minMoveMeters", 3.0)

	viper.SetDefault("presence.ttl", 90*time.Second)

	// Identities granted COMMANDER on sign-in (lowercase emails). Anything
	// not listed reconciles to RESPONDER.
	viper.SetDefault("roles.commanders", []string{})
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// CommanderEmails returns the configured commander allow-list, lowercased.
func CommanderEmails() []string {
	raw := viper.GetStringSlice("roles.commanders")
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
