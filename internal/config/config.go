// Package config loads the fleet configuration from a TOML file plus the
// environment. Bot credentials never live in the config file; they come
// from the environment (optionally seeded from a .env file) so the file
// can be committed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// TokensEnv is the environment variable holding bot credentials: a
// comma-separated list of tokens.
const TokensEnv = "BOTFLEET_BOT_TOKENS"

// Duration is a time.Duration that unmarshals from TOML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full fleet configuration.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Refresh    RefreshConfig    `toml:"refresh"`
	Logging    LoggingConfig    `toml:"logging"`
	Telegram   TelegramConfig   `toml:"telegram"`
}

type SupervisorConfig struct {
	// WorkerBin overrides the worker executable path. Empty means the
	// sibling of the running binary.
	WorkerBin string `toml:"worker_bin"`

	// ShutdownGrace bounds how long a stop waits before force-kill.
	ShutdownGrace Duration `toml:"shutdown_grace"`

	// HealthCheckTimeout bounds a health-check round trip.
	HealthCheckTimeout Duration `toml:"health_check_timeout"`

	// LogCapacity is the per-bot retained log line count.
	LogCapacity int `toml:"log_capacity"`
}

type MonitorConfig struct {
	// Tick is the buffer polling period.
	Tick Duration `toml:"tick"`

	// StableThreshold is how long the buffer must stay unchanged before
	// the stabilization event fires.
	StableThreshold Duration `toml:"stable_threshold"`
}

type RefreshConfig struct {
	// Interval between screenshot refreshes.
	Interval Duration `toml:"interval"`

	// MaxCount caps refresh attempts per attachment.
	MaxCount int `toml:"max_count"`
}

type LoggingConfig struct {
	// Level is a logrus level name: debug, info, warn, error.
	Level string `toml:"level"`

	// Dir receives rotated log files and per-worker stderr captures.
	// Empty logs to stderr only.
	Dir string `toml:"dir"`
}

type TelegramConfig struct {
	// APIBase overrides the Telegram Bot API endpoint, mostly for tests
	// and local API servers.
	APIBase string `toml:"api_base"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Supervisor: SupervisorConfig{
			ShutdownGrace:      Duration(5 * time.Second),
			HealthCheckTimeout: Duration(5 * time.Second),
			LogCapacity:        200,
		},
		Monitor: MonitorConfig{
			Tick:            Duration(500 * time.Millisecond),
			StableThreshold: Duration(3 * time.Second),
		},
		Refresh: RefreshConfig{
			Interval: Duration(30 * time.Second),
			MaxCount: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("loading config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// Credential is one bot's identity and secret.
type Credential struct {
	BotID string
	Token string
}

// LoadCredentials reads bot tokens from the environment, first loading a
// .env file if one exists next to the working directory. The bot ID is the
// numeric prefix of the token (the part before the colon), which Telegram
// guarantees is the bot's user ID.
func LoadCredentials() ([]Credential, error) {
	// Best effort; absence of .env is the common case in production.
	_ = godotenv.Load()

	raw := strings.TrimSpace(os.Getenv(TokensEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", TokensEnv)
	}

	var creds []Credential
	seen := make(map[string]bool)
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		id, err := BotIDFromToken(tok)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate token for bot %s", id)
		}
		seen[id] = true
		creds = append(creds, Credential{BotID: id, Token: tok})
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%s contains no tokens", TokensEnv)
	}
	return creds, nil
}

// BotIDFromToken extracts the bot's numeric ID from a Telegram token of
// the form "123456:ABC-secret".
func BotIDFromToken(token string) (string, error) {
	id, _, ok := strings.Cut(token, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed bot token (want \"<id>:<secret>\")")
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("malformed bot token: id %q is not numeric", id)
		}
	}
	return id, nil
}
