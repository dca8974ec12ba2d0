// Package config loads the process configuration: defaults, an optional
// JSON5 config file, and environment overrides, in that order. Channel
// lists live in two plain text files (one username per line).
package config

import (
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// Telegram credentials. Token is the send-capable identity; Readers
	// configures the additional read-only sessions.
	Telegram TelegramConfig `json:"telegram"`

	// LLM is the Gemini endpoint configuration.
	LLM LLMConfig `json:"llm"`

	// Chats are the numeric output destinations.
	Chats ChatsConfig `json:"chats"`

	// Pipeline tunables.
	Pipeline PipelineConfig `json:"pipeline"`

	// Ingest tunables.
	Ingest IngestConfig `json:"ingest"`

	// Authority baselines.
	Authority AuthorityConfig `json:"authority"`

	// DataDir holds the SQLite database, the session override file, and is
	// the default location of the channel list files.
	DataDir string `json:"data_dir"`

	// SourceListFile / SmartListFile are the two channel-list text files.
	SourceListFile string `json:"source_list_file"`
	SmartListFile  string `json:"smart_list_file"`
}

// TelegramConfig carries transport credentials.
type TelegramConfig struct {
	Token   string         `json:"token"`
	APIID   int            `json:"api_id"`
	APIHash string         `json:"api_hash"`
	Phone   string         `json:"phone"`
	Session string         `json:"session"` // session string; the data-dir override file wins
	Readers []ReaderConfig `json:"readers"` // read-only sessions 1..N-1
}

// ReaderConfig describes one read-only session, identified by its own token.
type ReaderConfig struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// LLMConfig guards the Gemini adapter.
type LLMConfig struct {
	URL          string `json:"url"`
	APIKey       string `json:"api_key"`
	BudgetHourly int    `json:"budget_hourly"`
	InFlight     int    `json:"in_flight"`
	TimeoutSec   int    `json:"timeout_sec"`
}

// ChatsConfig holds output destinations.
type ChatsConfig struct {
	Output     int64  `json:"output"`      // consolidated reports
	Smart      int64  `json:"smart"`       // mirrored smart-channel posts
	Digest     int64  `json:"digest"`      // batch digests; 0 = same as Output
	CreditLink string `json:"credit_link"` // appended to report footers when set
}

// PipelineConfig holds correlation and dispatch tunables.
type PipelineConfig struct {
	BatchSize              int     `json:"batch_size"`
	MaxBatchAgeSec         int     `json:"max_batch_age_sec"`
	SummaryMinIntervalSec  int     `json:"summary_min_interval_sec"`
	EventMergeWindowSec    int     `json:"event_merge_window_sec"`
	MinSources             int     `json:"min_sources"`
	FlushEverySec          int     `json:"flush_every_sec"`
	MatchThreshold         float64 `json:"match_threshold"`
	HighAuthorityThreshold float64 `json:"high_authority_threshold"`
	RetentionSec           int     `json:"retention_sec"`
	MediaThreshold         int     `json:"media_threshold"`
}

// IngestConfig holds fan-in tunables.
type IngestConfig struct {
	MaxRequestsPerMinute int      `json:"max_requests_per_minute"`
	ScanBatchLimit       int      `json:"scan_batch_limit"`
	QueueSize            int      `json:"queue_size"`
	BlockPhrases         []string `json:"block_phrases"`
}

// AuthorityConfig holds the class baselines.
type AuthorityConfig struct {
	SourceDefault float64 `json:"source_default"`
	SmartDefault  float64 `json:"smart_default"`
}

// Default returns a Config with the stock tunables; only credentials and
// chat ids must come from the file or environment.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			URL:          "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
			BudgetHourly: 120,
			InFlight:     8,
			TimeoutSec:   20,
		},
		Pipeline: PipelineConfig{
			BatchSize:              24,
			MaxBatchAgeSec:         300,
			SummaryMinIntervalSec:  300,
			EventMergeWindowSec:    600,
			MinSources:             2,
			FlushEverySec:          60,
			MatchThreshold:         0.6,
			HighAuthorityThreshold: 75,
			RetentionSec:           86400,
			MediaThreshold:         3,
		},
		Ingest: IngestConfig{
			MaxRequestsPerMinute: 18,
			ScanBatchLimit:       100,
			QueueSize:            256,
			BlockPhrases: []string{
				"צבע אדום",
				"היכנסו למרחב המוגן",
				"חדירת כלי טיס עוין",
			},
		},
		Authority: AuthorityConfig{
			SourceDefault: 50,
			SmartDefault:  60,
		},
		DataDir:        "data",
		SourceListFile: "source_channels.txt",
		SmartListFile:  "smart_channels.txt",
	}
}

// Durations as time.Duration for callers.

func (p PipelineConfig) MaxBatchAge() time.Duration        { return time.Duration(p.MaxBatchAgeSec) * time.Second }
func (p PipelineConfig) SummaryMinInterval() time.Duration { return time.Duration(p.SummaryMinIntervalSec) * time.Second }
func (p PipelineConfig) EventMergeWindow() time.Duration   { return time.Duration(p.EventMergeWindowSec) * time.Second }
func (p PipelineConfig) FlushEvery() time.Duration         { return time.Duration(p.FlushEverySec) * time.Second }
func (p PipelineConfig) Retention() time.Duration          { return time.Duration(p.RetentionSec) * time.Second }
func (l LLMConfig) Timeout() time.Duration                 { return time.Duration(l.TimeoutSec) * time.Second }
