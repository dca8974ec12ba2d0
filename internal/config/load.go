package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is fine; defaults plus env are enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	envStr("WATCHTOWER_TELEGRAM_TOKEN", &c.Telegram.Token)
	envInt("WATCHTOWER_TELEGRAM_API_ID", &c.Telegram.APIID)
	envStr("WATCHTOWER_TELEGRAM_API_HASH", &c.Telegram.APIHash)
	envStr("WATCHTOWER_TELEGRAM_PHONE", &c.Telegram.Phone)
	envStr("WATCHTOWER_TELEGRAM_SESSION", &c.Telegram.Session)

	envStr("WATCHTOWER_LLM_URL", &c.LLM.URL)
	envStr("WATCHTOWER_LLM_API_KEY", &c.LLM.APIKey)
	envStr("GEMINI_API_KEY", &c.LLM.APIKey)
	envInt("WATCHTOWER_LLM_BUDGET_HOURLY", &c.LLM.BudgetHourly)
	envInt("WATCHTOWER_LLM_IN_FLIGHT", &c.LLM.InFlight)

	envInt64("WATCHTOWER_OUTPUT_CHAT", &c.Chats.Output)
	envInt64("WATCHTOWER_SMART_CHAT", &c.Chats.Smart)
	envInt64("WATCHTOWER_DIGEST_CHAT", &c.Chats.Digest)

	envInt("WATCHTOWER_BATCH_SIZE", &c.Pipeline.BatchSize)
	envInt("WATCHTOWER_MAX_BATCH_AGE", &c.Pipeline.MaxBatchAgeSec)
	envInt("WATCHTOWER_SUMMARY_MIN_INTERVAL", &c.Pipeline.SummaryMinIntervalSec)
	envInt("WATCHTOWER_EVENT_MERGE_WINDOW", &c.Pipeline.EventMergeWindowSec)
	envInt("WATCHTOWER_MIN_SOURCES", &c.Pipeline.MinSources)
	envInt("WATCHTOWER_FLUSH_EVERY", &c.Pipeline.FlushEverySec)
	envFloat("WATCHTOWER_MATCH_THRESHOLD", &c.Pipeline.MatchThreshold)
	envFloat("WATCHTOWER_HIGH_AUTHORITY_THRESHOLD", &c.Pipeline.HighAuthorityThreshold)

	envFloat("WATCHTOWER_SOURCE_DEFAULT_AUTHORITY", &c.Authority.SourceDefault)
	envFloat("WATCHTOWER_SMART_DEFAULT_AUTHORITY", &c.Authority.SmartDefault)

	envStr("WATCHTOWER_DATA_DIR", &c.DataDir)
	envStr("WATCHTOWER_SOURCE_LIST", &c.SourceListFile)
	envStr("WATCHTOWER_SMART_LIST", &c.SmartListFile)
}

// Validate reports the missing pieces without which the watcher cannot run.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if c.LLM.APIKey == "" {
		missing = append(missing, "llm.api_key")
	}
	if c.Chats.Output == 0 {
		missing = append(missing, "chats.output")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// DigestChat returns the digest destination, falling back to the output chat.
func (c *Config) DigestChat() int64 {
	if c.Chats.Digest != 0 {
		return c.Chats.Digest
	}
	return c.Chats.Output
}

// DatabasePath is the SQLite file under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "watchtower.db")
}

// SessionOverridePath is the data-dir file whose contents, when present,
// replace the configured session string. It survives re-deploys where the
// config file is regenerated.
func (c *Config) SessionOverridePath() string {
	return filepath.Join(c.DataDir, "session_override.txt")
}

// ResolveSession returns the session string, preferring the override file.
func (c *Config) ResolveSession() string {
	data, err := os.ReadFile(c.SessionOverridePath())
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return c.Telegram.Session
}

// resolveListPath makes a relative list path live under the data dir.
func (c *Config) resolveListPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// SourceListPath and SmartListPath are the resolved channel-list files.
func (c *Config) SourceListPath() string { return c.resolveListPath(c.SourceListFile) }
func (c *Config) SmartListPath() string  { return c.resolveListPath(c.SmartListFile) }
