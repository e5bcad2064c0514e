package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config captures the runtime settings of the alarm daemon.
type Config struct {
	HTTPAddr   string
	SQLitePath string
	Location   *time.Location

	SnoozeDuration     time.Duration
	FollowUpCount      int
	FollowUpSpacing    time.Duration
	BackupOffset       time.Duration
	SnoozeBackupOffset time.Duration

	ProbeInterval     time.Duration
	ProbeInitialDelay time.Duration
	SuppressionWindow time.Duration
	DeliveryTick      time.Duration

	SoundDir  string
	Autostart bool

	Log LogConfig
}

// LogConfig selects the level and encoding of the process logger.
type LogConfig struct {
	Level  string
	Format string
}

type fileConfig struct {
	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`
	Storage struct {
		SQLitePath string `toml:"sqlite_path"`
	} `toml:"storage"`
	Alarm struct {
		Timezone           string `toml:"timezone"`
		Snooze             string `toml:"snooze"`
		FollowUpCount      *int   `toml:"follow_up_count"`
		FollowUpSpacing    string `toml:"follow_up_spacing"`
		BackupOffset       string `toml:"backup_offset"`
		SnoozeBackupOffset string `toml:"snooze_backup_offset"`
	} `toml:"alarm"`
	Probe struct {
		Interval          string `toml:"interval"`
		InitialDelay      string `toml:"initial_delay"`
		SuppressionWindow string `toml:"suppression_window"`
		DeliveryTick      string `toml:"delivery_tick"`
	} `toml:"probe"`
	Audio struct {
		SoundDir string `toml:"sound_dir"`
	} `toml:"audio"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Autostart struct {
		Enabled *bool `toml:"enabled"`
	} `toml:"autostart"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPAddr:           "127.0.0.1:8080",
		SQLitePath:         "alarms.db",
		Location:           time.Local,
		SnoozeDuration:     5 * time.Minute,
		FollowUpCount:      3,
		FollowUpSpacing:    time.Minute,
		BackupOffset:       3*time.Minute + 15*time.Second,
		SnoozeBackupOffset: 15 * time.Second,
		ProbeInterval:      10 * time.Second,
		ProbeInitialDelay:  time.Second,
		SuppressionWindow:  10 * time.Second,
		DeliveryTick:       time.Second,
		SoundDir:           "sounds",
		Log:                LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by ALARMD_CONFIG and finally ALARMD_* environment variables.
func Load() (Config, error) {
	cfg := Default()
	invalid := make([]string, 0, 2)

	if path := strings.TrimSpace(os.Getenv("ALARMD_CONFIG")); path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		var raw fileConfig
		if err := toml.Unmarshal(body, &raw); err != nil {
			return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
		}
		invalid = append(invalid, raw.apply(&cfg)...)
	}

	invalid = append(invalid, applyEnv(&cfg)...)

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

func (raw fileConfig) apply(cfg *Config) []string {
	var invalid []string

	setString(&cfg.HTTPAddr, raw.HTTP.Addr)
	setString(&cfg.SQLitePath, raw.Storage.SQLitePath)
	setString(&cfg.SoundDir, raw.Audio.SoundDir)
	setString(&cfg.Log.Level, raw.Log.Level)
	setString(&cfg.Log.Format, raw.Log.Format)

	if tz := strings.TrimSpace(raw.Alarm.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			invalid = append(invalid, "alarm.timezone")
		} else {
			cfg.Location = loc
		}
	}
	if raw.Alarm.FollowUpCount != nil {
		if *raw.Alarm.FollowUpCount <= 0 {
			invalid = append(invalid, "alarm.follow_up_count")
		} else {
			cfg.FollowUpCount = *raw.Alarm.FollowUpCount
		}
	}
	if raw.Autostart.Enabled != nil {
		cfg.Autostart = *raw.Autostart.Enabled
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"alarm.snooze", raw.Alarm.Snooze, &cfg.SnoozeDuration},
		{"alarm.follow_up_spacing", raw.Alarm.FollowUpSpacing, &cfg.FollowUpSpacing},
		{"alarm.backup_offset", raw.Alarm.BackupOffset, &cfg.BackupOffset},
		{"alarm.snooze_backup_offset", raw.Alarm.SnoozeBackupOffset, &cfg.SnoozeBackupOffset},
		{"probe.interval", raw.Probe.Interval, &cfg.ProbeInterval},
		{"probe.initial_delay", raw.Probe.InitialDelay, &cfg.ProbeInitialDelay},
		{"probe.suppression_window", raw.Probe.SuppressionWindow, &cfg.SuppressionWindow},
		{"probe.delivery_tick", raw.Probe.DeliveryTick, &cfg.DeliveryTick},
	}
	for _, d := range durations {
		if !setDuration(d.dst, d.value) {
			invalid = append(invalid, d.key)
		}
	}
	return invalid
}

func applyEnv(cfg *Config) []string {
	var invalid []string

	setString(&cfg.HTTPAddr, os.Getenv("ALARMD_HTTP_ADDR"))
	setString(&cfg.SQLitePath, os.Getenv("ALARMD_SQLITE_PATH"))
	setString(&cfg.SoundDir, os.Getenv("ALARMD_SOUND_DIR"))
	setString(&cfg.Log.Level, os.Getenv("ALARMD_LOG_LEVEL"))
	setString(&cfg.Log.Format, os.Getenv("ALARMD_LOG_FORMAT"))

	if tz := strings.TrimSpace(os.Getenv("ALARMD_TIMEZONE")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			invalid = append(invalid, "ALARMD_TIMEZONE")
		} else {
			cfg.Location = loc
		}
	}

	if value := strings.TrimSpace(os.Getenv("ALARMD_FOLLOW_UP_COUNT")); value != "" {
		count, err := strconv.Atoi(value)
		if err != nil || count <= 0 {
			invalid = append(invalid, "ALARMD_FOLLOW_UP_COUNT")
		} else {
			cfg.FollowUpCount = count
		}
	}

	if value := strings.TrimSpace(os.Getenv("ALARMD_AUTOSTART")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			invalid = append(invalid, "ALARMD_AUTOSTART")
		} else {
			cfg.Autostart = enabled
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ALARMD_SNOOZE_DURATION", &cfg.SnoozeDuration},
		{"ALARMD_FOLLOW_UP_SPACING", &cfg.FollowUpSpacing},
		{"ALARMD_BACKUP_OFFSET", &cfg.BackupOffset},
		{"ALARMD_SNOOZE_BACKUP_OFFSET", &cfg.SnoozeBackupOffset},
		{"ALARMD_PROBE_INTERVAL", &cfg.ProbeInterval},
		{"ALARMD_PROBE_INITIAL_DELAY", &cfg.ProbeInitialDelay},
		{"ALARMD_SUPPRESSION_WINDOW", &cfg.SuppressionWindow},
		{"ALARMD_DELIVERY_TICK", &cfg.DeliveryTick},
	}
	for _, d := range durations {
		if !setDuration(d.dst, os.Getenv(d.key)) {
			invalid = append(invalid, d.key)
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		invalid = append(invalid, "ALARMD_LOG_FORMAT")
	}

	return invalid
}

func setString(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

// setDuration parses value into dst when set and reports false for values
// that are malformed or not positive.
func setDuration(dst *time.Duration, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return true
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return false
	}
	*dst = d
	return true
}
