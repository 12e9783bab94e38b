// Package config loads and validates TeleClaude daemon configuration.
//
// Configuration lives at <home>/config.toml. An optional <home>/.env is
// loaded first so secrets (adapter tokens) and overrides can stay out of
// the TOML file. Durations are expressed as integer fields with _ms/_s/_h
// suffixes; accessor methods convert them.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// ErrInvalid marks configuration the daemon refuses to start with.
var ErrInvalid = errors.New("config invalid")

// Config is the root configuration document.
type Config struct {
	Daemon     DaemonConfig     `toml:"daemon"`
	Adapter    AdapterConfig    `toml:"adapter"`
	Workflow   WorkflowConfig   `toml:"workflow"`
	Gathering  GatheringConfig  `toml:"gathering"`
	Agents     AgentsConfig     `toml:"agents"`
	Federation FederationConfig `toml:"federation"`
}

// DaemonConfig tunes the supervisor loops.
type DaemonConfig struct {
	PollIntervalMs          int `toml:"poll_interval_ms"`
	IdleThresholdMs         int `toml:"idle_threshold_ms"`
	EventBuffer             int `toml:"event_buffer"`
	TombstoneRetentionHours int `toml:"tombstone_retention_hours"`
	SessionWaitTimeoutMin   int `toml:"session_wait_timeout_min"`
}

func (d DaemonConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

func (d DaemonConfig) IdleThreshold() time.Duration {
	return time.Duration(d.IdleThresholdMs) * time.Millisecond
}
func (d DaemonConfig) TombstoneRetention() time.Duration {
	return time.Duration(d.TombstoneRetentionHours) * time.Hour
}
func (d DaemonConfig) SessionWaitTimeout() time.Duration {
	return time.Duration(d.SessionWaitTimeoutMin) * time.Minute
}

// AdapterConfig selects and tunes the chat adapter port.
type AdapterConfig struct {
	Name               string  `toml:"name"`
	MaxMessageLength   int     `toml:"max_message_length"`
	TailMessageLimit   int     `toml:"tail_message_limit"`
	PeerPollIntervalMs int     `toml:"peer_poll_interval_ms"`
	SendsPerSecond     float64 `toml:"sends_per_second"`
	SendBurst          int     `toml:"send_burst"`
}

func (a AdapterConfig) PeerPollInterval() time.Duration {
	return time.Duration(a.PeerPollIntervalMs) * time.Millisecond
}

// WorkflowConfig tunes the todo state machine and orchestrator.
type WorkflowConfig struct {
	MaxReviewRounds int      `toml:"max_review_rounds"`
	BuildGates      []string `toml:"build_gates"`
}

// GatheringConfig tunes multi-participant relays.
type GatheringConfig struct {
	InhaleRounds    int `toml:"inhale_rounds"`
	HoldRounds      int `toml:"hold_rounds"`
	ExhaleRounds    int `toml:"exhale_rounds"`
	BeatCount       int `toml:"beat_count"`
	BeatIntervalS   int `toml:"beat_interval_s"`
	HarvestTimeoutM int `toml:"harvest_timeout_min"`
}

func (g GatheringConfig) BeatInterval() time.Duration {
	return time.Duration(g.BeatIntervalS) * time.Second
}
func (g GatheringConfig) HarvestTimeout() time.Duration {
	return time.Duration(g.HarvestTimeoutM) * time.Minute
}

// AgentsConfig tunes availability tracking.
type AgentsConfig struct {
	// RateLimitPatterns are appended to the built-in defaults.
	RateLimitPatterns []string `toml:"rate_limit_patterns"`
}

// FederationConfig enables the multi-host computer registry.
type FederationConfig struct {
	Enabled           bool   `toml:"enabled"`
	ComputerName      string `toml:"computer_name"`
	BotHandle         string `toml:"bot_handle"`
	Channel           string `toml:"channel"`
	HeartbeatS        int    `toml:"heartbeat_s"`
	OfflineThresholdS int    `toml:"offline_threshold_s"`
}

func (f FederationConfig) Heartbeat() time.Duration {
	return time.Duration(f.HeartbeatS) * time.Second
}
func (f FederationConfig) OfflineThreshold() time.Duration {
	return time.Duration(f.OfflineThresholdS) * time.Second
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PollIntervalMs:          int(constants.DefaultPollInterval / time.Millisecond),
			IdleThresholdMs:         int(constants.DefaultIdleThreshold / time.Millisecond),
			EventBuffer:             constants.DefaultEventBufferSize,
			TombstoneRetentionHours: int(constants.DefaultTombstoneRetention / time.Hour),
			SessionWaitTimeoutMin:   int(constants.DefaultSessionWaitTimeout / time.Minute),
		},
		Adapter: AdapterConfig{
			Name:               "logchat",
			MaxMessageLength:   constants.DefaultMaxMessageLength,
			TailMessageLimit:   constants.DefaultTailMessageLimit,
			PeerPollIntervalMs: 1000,
			SendsPerSecond:     1,
			SendBurst:          4,
		},
		Workflow: WorkflowConfig{
			MaxReviewRounds: constants.DefaultMaxReviewRounds,
		},
		Gathering: GatheringConfig{
			InhaleRounds:    1,
			HoldRounds:      1,
			ExhaleRounds:    1,
			BeatCount:       3,
			BeatIntervalS:   int(constants.DefaultBeatInterval / time.Second),
			HarvestTimeoutM: int(constants.DefaultHarvestTimeout / time.Minute),
		},
		Federation: FederationConfig{
			HeartbeatS:        int(constants.DefaultHeartbeatInterval / time.Second),
			OfflineThresholdS: int(constants.DefaultOfflineThreshold / time.Second),
		},
	}
}

// Load reads <home>/.env (if present) into the environment, then decodes
// <home>/config.toml over the defaults. A missing config file yields the
// defaults; a malformed or invalid one fails with ErrInvalid.
func Load(home string) (*Config, error) {
	if err := godotenv.Load(constants.EnvPath(home)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: loading .env: %v", ErrInvalid, err)
	}

	cfg := Default()
	path := constants.ConfigPath(home)
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the daemon depends on.
func (c *Config) Validate() error {
	if c.Daemon.PollIntervalMs <= 0 {
		return fmt.Errorf("%w: daemon.poll_interval_ms must be positive", ErrInvalid)
	}
	if c.Daemon.IdleThresholdMs < c.Daemon.PollIntervalMs {
		return fmt.Errorf("%w: daemon.idle_threshold_ms must be at least poll_interval_ms", ErrInvalid)
	}
	if c.Daemon.EventBuffer < 1 {
		return fmt.Errorf("%w: daemon.event_buffer must be at least 1", ErrInvalid)
	}
	if c.Workflow.MaxReviewRounds < 1 {
		return fmt.Errorf("%w: workflow.max_review_rounds must be at least 1", ErrInvalid)
	}
	if c.Adapter.MaxMessageLength < 64 {
		return fmt.Errorf("%w: adapter.max_message_length must be at least 64", ErrInvalid)
	}
	if c.Adapter.TailMessageLimit < 200 {
		return fmt.Errorf("%w: adapter.tail_message_limit must be at least 200", ErrInvalid)
	}
	if c.Adapter.SendsPerSecond <= 0 {
		return fmt.Errorf("%w: adapter.sends_per_second must be positive", ErrInvalid)
	}
	if c.Gathering.BeatCount < 1 {
		return fmt.Errorf("%w: gathering.beat_count must be at least 1", ErrInvalid)
	}
	for _, p := range c.Agents.RateLimitPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("%w: agents.rate_limit_patterns %q: %v", ErrInvalid, p, err)
		}
	}
	if c.Federation.Enabled {
		if c.Federation.ComputerName == "" {
			return fmt.Errorf("%w: federation.computer_name required when federation is enabled", ErrInvalid)
		}
		if c.Federation.Channel == "" {
			return fmt.Errorf("%w: federation.channel required when federation is enabled", ErrInvalid)
		}
		if c.Federation.HeartbeatS <= 0 {
			return fmt.Errorf("%w: federation.heartbeat_s must be positive", ErrInvalid)
		}
		if c.Federation.OfflineThresholdS < c.Federation.HeartbeatS {
			return fmt.Errorf("%w: federation.offline_threshold_s must be at least heartbeat_s", ErrInvalid)
		}
	}
	return nil
}

// RateLimitPatterns returns the built-in patterns plus configured extras.
func (c *Config) RateLimitPatterns() []string {
	out := make([]string, 0, len(constants.DefaultRateLimitPatterns)+len(c.Agents.RateLimitPatterns))
	out = append(out, constants.DefaultRateLimitPatterns...)
	out = append(out, c.Agents.RateLimitPatterns...)
	return out
}
