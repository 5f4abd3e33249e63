// Package config provides configuration management functionality.
//
// Configuration comes from two places, converted once at this boundary:
//   - config.json: the validated application surface (software, eddn, capi,
//     discord, timings)
//   - environment (.env supported): secrets and machine-local settings
//     (discord token, data dir, port, log level)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/tickclock"
)

// Software holds general software identity used across adapters.
type Software struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	UserAgent string `json:"user_agent"`
	Webhook   string `json:"webhook"` // error webhook URL
	Tick      string `json:"tick"`    // "HH:MM" UTC, shared daily anchor
}

// Eddn holds the EDDN relay identity and endpoints. An empty upload URL
// falls back to the public gateway; an empty stream URL disables the
// inbound listener.
type Eddn struct {
	SoftwareName    string `json:"software_name"`
	SoftwareVersion string `json:"software_version"`
	UserAgent       string `json:"user_agent"`
	GameVersion     string `json:"game_version"`
	GameBuild       string `json:"game_build"`
	UploadURL       string `json:"upload_url"`
	StreamURL       string `json:"stream_url"`
}

// Capi holds the Companion API OAuth client settings.
type Capi struct {
	ClientID     string `json:"client_id"`
	ClientName   string `json:"client_name"`
	RedirectURL  string `json:"redirect_url"`
	UserAgent    string `json:"user_agent"`
	RetryRefresh bool   `json:"retry_refresh"`
	UseEpic      bool   `json:"use_epic"`
}

// Discord holds notification routing ids per guild.
type Discord struct {
	HaulerRoleID     int64 `json:"hauler_role_id"`
	DepotRoleID      int64 `json:"depot_role_id"`
	RescueRoleID     int64 `json:"rescue_role_id"`
	RestockChannelID int64 `json:"restock_channel_id"`
	RescueChannelID  int64 `json:"rescue_channel_id"`
	AlertChannelID   int64 `json:"alert_channel_id"`
	MainGuildID      int64 `json:"main_guild_id"`
	TestGuildID      int64 `json:"test_guild_id"`
}

// rawTimings is the wire form: days and hours as configured.
type rawTimings struct {
	MarketExpiry   *int   `json:"market_expiry"`  // days
	MarketWarning  *int   `json:"market_warning"` // days
	MarketFollowup *int   `json:"market_followup"` // hours
	CapiFollowup   *int   `json:"capi_followup"`   // hours
	TaskRevive     *int   `json:"task_revive"`     // days
	Tick           string `json:"tick"`            // "HH:MM"
}

// Timings holds all lifecycle cadences as durations. Units are converted
// exactly once, here; everything downstream works in time.Duration.
type Timings struct {
	MarketExpiry   time.Duration
	MarketWarning  time.Duration
	MarketFollowup time.Duration
	CapiFollowup   time.Duration
	TaskRevive     time.Duration
	Tick           tickclock.TimeOfDay
}

// Backup holds the optional S3-compatible backup target.
type Backup struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	KeyPrefix string `json:"key_prefix"`
}

// fileConfig mirrors config.json.
type fileConfig struct {
	Software *Software   `json:"software"`
	Eddn     *Eddn       `json:"eddn"`
	Capi     *Capi       `json:"capi"`
	Discord  *Discord    `json:"discord"`
	Timings  *rawTimings `json:"timings"`
	Backup   *Backup     `json:"backup"`
}

// env holds machine-local settings and secrets.
type env struct {
	DiscordToken    string `envconfig:"DISCORD_TOKEN"`
	DataDir         string `envconfig:"STELLAR_DATA_DIR" default:"/var/lib/stellar"`
	Port            int    `envconfig:"STELLAR_PORT" default:"8420"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	DevMode         bool   `envconfig:"DEV_MODE" default:"false"`
	BackupAccessKey string `envconfig:"BACKUP_ACCESS_KEY_ID"`
	BackupSecretKey string `envconfig:"BACKUP_SECRET_ACCESS_KEY"`
}

// Config holds application configuration
type Config struct {
	Software Software
	Eddn     Eddn
	Capi     Capi
	Discord  Discord
	Timings  Timings
	Backup   Backup

	DiscordToken    string
	DataDir         string
	Port            int
	LogLevel        string
	DevMode         bool
	BackupAccessKey string
	BackupSecretKey string
}

// Load reads configuration from the given config.json path plus environment
// variables (a .env file is honoured if present). Validation failures list
// every offending path and are fatal.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	var e env
	if err := envconfig.Process("", &e); err != nil {
		return nil, faults.Config(faults.Wrap(err, "failed to process environment"))
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, faults.Config(faults.Wrapf(err, "failed to read config file %s", configPath))
	}

	var fc fileConfig
	if err := json.Unmarshal(content, &fc); err != nil {
		return nil, faults.Config(faults.Wrapf(err, "failed to parse config file %s", configPath))
	}

	cfg, err := build(&fc, &e)
	if err != nil {
		return nil, err
	}

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, faults.Config(faults.Wrap(err, "failed to resolve data directory"))
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, faults.Config(faults.Wrap(err, "failed to create data directory"))
	}
	cfg.DataDir = absDataDir

	return cfg, nil
}

// build assembles and validates a Config from its parsed parts.
func build(fc *fileConfig, e *env) (*Config, error) {
	v := newValidator()
	v.validateFile(fc)

	if e.DiscordToken == "" {
		v.missing("env.DISCORD_TOKEN")
	}

	if err := v.err(); err != nil {
		return nil, err
	}

	tod, err := tickclock.Parse(fc.Timings.Tick)
	if err != nil {
		return nil, faults.Config(faults.Wrap(err, "timings.tick"))
	}

	cfg := &Config{
		Software: *fc.Software,
		Eddn:     *fc.Eddn,
		Capi:     *fc.Capi,
		Discord:  *fc.Discord,
		Timings: Timings{
			MarketExpiry:   days(*fc.Timings.MarketExpiry),
			MarketWarning:  days(*fc.Timings.MarketWarning),
			MarketFollowup: hours(*fc.Timings.MarketFollowup),
			CapiFollowup:   hours(*fc.Timings.CapiFollowup),
			TaskRevive:     days(*fc.Timings.TaskRevive),
			Tick:           tod,
		},

		DiscordToken:    e.DiscordToken,
		DataDir:         e.DataDir,
		Port:            e.Port,
		LogLevel:        e.LogLevel,
		DevMode:         e.DevMode,
		BackupAccessKey: e.BackupAccessKey,
		BackupSecretKey: e.BackupSecretKey,
	}

	if fc.Backup != nil {
		cfg.Backup = *fc.Backup
	}

	// Defaults mirroring the original behaviour: CAPI and EDDN identities
	// fall back to the software identity.
	if cfg.Software.UserAgent == "" {
		cfg.Software.UserAgent = fmt.Sprintf("%s-%s", cfg.Software.Name, cfg.Software.Version)
	}
	if cfg.Capi.UserAgent == "" {
		cfg.Capi.UserAgent = cfg.Software.UserAgent
	}
	if cfg.Capi.ClientName == "" {
		cfg.Capi.ClientName = cfg.Software.Name
	}
	if cfg.Eddn.SoftwareName == "" {
		cfg.Eddn.SoftwareName = cfg.Software.Name
	}
	if cfg.Eddn.SoftwareVersion == "" {
		cfg.Eddn.SoftwareVersion = cfg.Software.Version
	}
	if cfg.Eddn.UserAgent == "" {
		cfg.Eddn.UserAgent = cfg.Software.UserAgent
	}

	return cfg, nil
}

// DatabasePath returns the path of a named database under the data dir.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

func days(n int) time.Duration  { return time.Duration(n) * 24 * time.Hour }
func hours(n int) time.Duration { return time.Duration(n) * time.Hour }
