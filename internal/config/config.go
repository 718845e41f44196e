// Package config holds the viper configuration singleton.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/untoldecay/elogd/internal/actions"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Called once at
// startup; configFile overrides the search path when non-empty.
//
// Every key can also be set through the environment with the ELOGD_
// prefix, dots replaced by underscores: ELOGD_DATABASE_PATH,
// ELOGD_SERVER_PORT and so on. Environment variables win over the
// config file.
func Initialize(configFile string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("elogd")
		v.AddConfigPath(".")
		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "elogd"))
		}
		v.AddConfigPath("/etc/elogd")
	}

	v.SetEnvPrefix("ELOGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.path", "elogd.db")
	v.SetDefault("upload_folder", "uploads")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("lock.timeout", "1h")

	v.SetDefault("actions.workers", 2)
	v.SetDefault("actions.queue_size", 256)
	v.SetDefault("actions.handler_timeout", "30s")

	// users.source: "none", "passwd" or "ldap".
	v.SetDefault("users.source", "none")
	v.SetDefault("users.passwd_file", "")
	v.SetDefault("ldap.url", "")
	v.SetDefault("ldap.base_dn", "")
	v.SetDefault("ldap.login_attr", "uid")
	v.SetDefault("ldap.name_attr", "cn")
	v.SetDefault("ldap.mail_attr", "mail")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			// Running on defaults and environment alone is fine.
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Watch reloads the config file on change and invokes onChange.
func Watch(onChange func()) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("configuration reloaded", "file", e.Name)
		if onChange != nil {
			onChange()
		}
	})
	v.WatchConfig()
}

func GetString(key string) string {
	return v.GetString(key)
}

func GetInt(key string) int {
	return v.GetInt(key)
}

func GetBool(key string) bool {
	return v.GetBool(key)
}

func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// Set overrides a value, used by CLI flags and tests.
func Set(key string, value any) {
	v.Set(key, value)
}

// ActionHandlers returns the configured action handler specs.
func ActionHandlers() ([]actions.HandlerSpec, error) {
	var specs []actions.HandlerSpec
	if err := v.UnmarshalKey("actions.handlers", &specs); err != nil {
		return nil, fmt.Errorf("failed to parse action handlers: %w", err)
	}
	return specs, nil
}
