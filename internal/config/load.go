package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vitalred/vrbackup/internal/cryptoutil"
)

const (
	envPrefix = "VRB"
)

var configNames = []string{"vrb.yaml", "vrb.yml", "vrb.toml", "vrb.json"}

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		if err := readInto(vp, resolved); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func readInto(vp *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if !isEncryptedPath(path) {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	vp.SetConfigType(configTypeFromPath(path))
	key := os.Getenv("VRB_CONFIG_KEY")
	if key == "" {
		key = vp.GetString("global.config_passphrase")
	}
	if key == "" {
		return errors.New("config file is encrypted but VRB_CONFIG_KEY is not set")
	}
	plain, err := decryptConfig(data, key)
	if err != nil {
		return fmt.Errorf("decrypt config: %w", err)
	}
	if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}
	if envPath := os.Getenv("VRB_CONFIG"); envPath != "" {
		return envPath, nil
	}

	for _, c := range configNames {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", nil
	}
	base := filepath.Join(configDir, "vrb")
	for _, c := range configNames {
		for _, name := range []string{c, c + ".enc"} {
			p := filepath.Join(base, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch filepath.Ext(trimmed) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.log_file", "")
	vp.SetDefault("global.operation_timeout", "1h")
	vp.SetDefault("global.environment", "production")
	vp.SetDefault("global.app_version", "1.0.0")

	vp.SetDefault("database.type", "mysql")
	vp.SetDefault("database.host", "127.0.0.1")
	vp.SetDefault("database.exclude_tables", []string{"sessions", "cache", "jobs", "failed_jobs"})
	vp.SetDefault("database.native_fallback", true)

	vp.SetDefault("backup.root", "./storage/backups")
	vp.SetDefault("backup.base_path", ".")
	vp.SetDefault("backup.name_prefix", "vital_red_backup")
	vp.SetDefault("backup.type", "full")
	vp.SetDefault("backup.compress", true)
	vp.SetDefault("backup.format", "zip")
	vp.SetDefault("backup.level", 6)
	vp.SetDefault("backup.verify", true)
	vp.SetDefault("backup.retry_count", 2)
	vp.SetDefault("backup.retry_backoff", "30s")
	vp.SetDefault("backup.max_parallelism", 4)
	vp.SetDefault("backup.retention.keep_days", 30)
	vp.SetDefault("backup.stale_partial_after", "72h")

	vp.SetDefault("storage.backend", "none")
	vp.SetDefault("storage.upload_manifest", true)
	vp.SetDefault("storage.apply_retention", true)

	vp.SetDefault("notifications.notify_on.success", false)
	vp.SetDefault("notifications.notify_on.failure", true)

	vp.SetDefault("schedule.job_timeout", "1h")

	vp.SetDefault("server.listen", ":8085")
	vp.SetDefault("server.read_timeout", "30s")
	vp.SetDefault("server.write_timeout", "0s")

	vp.SetDefault("monitoring.max_backup_age", "48h")
	vp.SetDefault("monitoring.min_backup_size", 1<<20)
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Backup.RetryBackoff == 0 {
		cfg.Backup.RetryBackoff = 30 * time.Second
	}
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = time.Hour
	}
	if cfg.Global.LockFile == "" {
		cfg.Global.LockFile = filepath.Join(cfg.Backup.Root, ".vrb.lock")
	}
	if cfg.Backup.MaxParallelism <= 0 {
		cfg.Backup.MaxParallelism = 1
	}
	if len(cfg.Backup.Sources) == 0 {
		cfg.Backup.Sources = DefaultSources()
	}
	if cfg.Backup.ConfigFiles == nil {
		cfg.Backup.ConfigFiles = DefaultConfigFiles()
	}
	if len(cfg.Schedule.Jobs) == 0 {
		cfg.Schedule.Jobs = DefaultJobs()
	}
	if cfg.Schedule.JobTimeout == 0 {
		cfg.Schedule.JobTimeout = time.Hour
	}
	if cfg.Storage.Local.Path == "" && cfg.Storage.Backend == "local" {
		cfg.Storage.Local.Path = "./storage/backups-mirror"
	}
	normalize(cfg)
}

// normalize lowercases enum-like values so flag and file input compare equal.
func normalize(cfg *Config) {
	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	cfg.Backup.Type = strings.ToLower(cfg.Backup.Type)
	cfg.Backup.Format = strings.ToLower(cfg.Backup.Format)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}

func expandEnv(cfg *Config) {
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Database.Username = os.ExpandEnv(cfg.Database.Username)
	cfg.Backup.EncryptionKey = os.ExpandEnv(cfg.Backup.EncryptionKey)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Storage.GCS.CredentialsJSON = os.ExpandEnv(cfg.Storage.GCS.CredentialsJSON)
	cfg.Storage.Azure.AccountKey = os.ExpandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Server.Token = os.ExpandEnv(cfg.Server.Token)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
