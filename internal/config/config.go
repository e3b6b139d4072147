// Package config resolves notesync settings from defaults, an optional config
// file and NOTESYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NOTESYNC_LOG_LEVEL.
const EnvPrefix = "NOTESYNC"

// Keys shared by viper and the CLI flags bound onto them.
const (
	KeyDataDir      = "data_dir"
	KeyNotesFile    = "notes_file"
	KeyBackupSuffix = "backup_suffix"
	KeySaveDelay    = "save_delay"
	KeyLogLevel     = "log.level"
	KeyLogFile      = "log.file"
	KeyLogMaxSize   = "log.max_size_mb"
	KeyPostgresDSN  = "postgres.dsn"
	KeyAccount      = "account"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level     string
	File      string
	MaxSizeMB int
}

// Config is the resolved configuration.
type Config struct {
	DataDir      string
	NotesFile    string
	BackupSuffix string
	SaveDelay    time.Duration
	Log          LogConfig
	// PostgresDSN selects durable directory storage; empty keeps it in memory.
	PostgresDSN string
	Account     string
}

// DefaultDataDir follows XDG_CONFIG_HOME, falling back to ~/.config/notesync.
func DefaultDataDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "notesync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "notesync")
}

// New returns a viper instance with defaults and env overrides installed.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDataDir, DefaultDataDir())
	v.SetDefault(KeyNotesFile, "Notes")
	v.SetDefault(KeyBackupSuffix, ".bak")
	v.SetDefault(KeySaveDelay, 2500*time.Millisecond)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSize, 10)
	v.SetDefault(KeyPostgresDSN, "")
	v.SetDefault(KeyAccount, "default")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if non-empty) from fs and resolves the configuration.
// Without a file, config.yaml in the default data dir is used when present.
func Load(v *viper.Viper, fs afero.Fs, file string) (*Config, error) {
	v.SetFs(fs)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(v.GetString(KeyDataDir))
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	c := &Config{
		DataDir:      v.GetString(KeyDataDir),
		NotesFile:    v.GetString(KeyNotesFile),
		BackupSuffix: v.GetString(KeyBackupSuffix),
		SaveDelay:    v.GetDuration(KeySaveDelay),
		Log: LogConfig{
			Level:     v.GetString(KeyLogLevel),
			File:      v.GetString(KeyLogFile),
			MaxSizeMB: v.GetInt(KeyLogMaxSize),
		},
		PostgresDSN: v.GetString(KeyPostgresDSN),
		Account:     v.GetString(KeyAccount),
	}
	return c, c.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("validation: empty data_dir")
	case c.NotesFile == "" || strings.ContainsRune(c.NotesFile, '/'):
		return fmt.Errorf("validation: bad notes_file %q", c.NotesFile)
	case c.SaveDelay < 0:
		return errors.New("validation: negative save_delay")
	case c.Account == "" || strings.ContainsAny(c.Account, `/\`):
		return fmt.Errorf("validation: bad account %q", c.Account)
	case c.Log.MaxSizeMB < 0:
		return errors.New("validation: negative log.max_size_mb")
	}
	return nil
}

// ProfileDir is the directory holding account's files.
func (c *Config) ProfileDir(account string) string {
	return filepath.Join(c.DataDir, account)
}
