// Package config loads SchedArray's layered configuration: built-in
// defaults, an optional config file, environment variables, and finally CLI
// flags (applied by the caller after Load returns).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultStateDir is where the default SQLite database and job logs live
// when no override is given.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".schedarray")
}

// DefaultDBFileName is the SQLite filename created under the state directory.
const DefaultDBFileName = "schedarray.db"

// Config is the resolved set of knobs every SchedArray component reads from.
type Config struct {
	DBPath          string
	LogDir          string
	MaxWorkers      int
	PollInterval    time.Duration
	KillGrace       time.Duration
	CleanupInterval time.Duration
	CleanupOlderBy  time.Duration
	LogLevel        string
	StatusAddr      string
}

// Load builds a Config from, in increasing precedence: built-in defaults, a
// config file (if present), and environment variables. It mirrors the
// teacher's .env-then-environment bootstrap (`godotenv.Load` followed by
// reading `os.Getenv`), generalized to viper's layered sources so the richer
// key set (`store.*`, `workers.*`, `service.*`, `logging.*`) has one home.
func Load(configPath string) (*Config, error) {
	// A missing .env file is expected outside development; Load's error in
	// that case is not worth surfacing, matching the teacher's bootstrap.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("schedarray")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configPath)
		}
	}

	cfg := &Config{
		DBPath:          v.GetString("store.db_path"),
		LogDir:          v.GetString("store.log_dir"),
		MaxWorkers:      v.GetInt("workers.max"),
		PollInterval:    v.GetDuration("workers.poll_interval"),
		KillGrace:       v.GetDuration("workers.kill_grace"),
		CleanupInterval: v.GetDuration("service.cleanup_interval"),
		CleanupOlderBy:  v.GetDuration("service.cleanup_older_than"),
		LogLevel:        v.GetString("logging.level"),
		StatusAddr:      v.GetString("service.status_addr"),
	}

	// SCHEDARRAY_DB is a documented override checked independently of the
	// viper-bound "store.db_path" key, so it behaves identically whether or
	// not a config file or the rest of the env namespace is in play.
	if dbOverride := os.Getenv("SCHEDARRAY_DB"); dbOverride != "" {
		cfg.DBPath = dbOverride
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.db_path", filepath.Join(DefaultStateDir(), DefaultDBFileName))
	v.SetDefault("store.log_dir", filepath.Join(DefaultStateDir(), "logs"))
	v.SetDefault("workers.max", 4)
	v.SetDefault("workers.poll_interval", time.Second)
	v.SetDefault("workers.kill_grace", 2*time.Second)
	v.SetDefault("service.cleanup_interval", time.Hour)
	v.SetDefault("service.cleanup_older_than", 7*24*time.Hour)
	v.SetDefault("service.status_addr", "")
	v.SetDefault("logging.level", "info")
}
