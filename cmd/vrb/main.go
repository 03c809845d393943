package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vitalred/vrbackup/internal/app"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/db"
	"github.com/vitalred/vrbackup/internal/logging"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/notify"
	"github.com/vitalred/vrbackup/internal/storage"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	BackupRoot    string
	BasePath      string
	DBType        string
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	SQLitePath    string
	Storage       string
	LocalPath     string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	EncryptionKey string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:          "vrb",
		Short:        "Backup, verification and restore for the Vital Red platform",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.BackupRoot, "backup-root", "", "Directory holding local backups")
	rootCmd.PersistentFlags().StringVar(&overrides.BasePath, "base-path", "", "Application directory that sources resolve against")
	rootCmd.PersistentFlags().StringVar(&overrides.DBType, "db-type", "", "Database type (mysql, postgres, mongodb, sqlite)")
	rootCmd.PersistentFlags().StringVar(&overrides.DBHost, "db-host", "", "Database host")
	rootCmd.PersistentFlags().IntVar(&overrides.DBPort, "db-port", 0, "Database port")
	rootCmd.PersistentFlags().StringVar(&overrides.DBUser, "db-user", "", "Database username")
	rootCmd.PersistentFlags().StringVar(&overrides.DBPassword, "db-password", "", "Database password")
	rootCmd.PersistentFlags().StringVar(&overrides.DBName, "db-name", "", "Database name")
	rootCmd.PersistentFlags().StringVar(&overrides.SQLitePath, "sqlite-path", "", "SQLite file path")

	rootCmd.PersistentFlags().StringVar(&overrides.Storage, "storage", "", "Remote mirror backend (none, local, s3, gcs, azure)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local mirror path")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Backup encryption key (base64 or hex, 32 bytes)")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newVerifyCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newDeleteCmd(root, overrides))
	rootCmd.AddCommand(newPruneCmd(root, overrides))
	rootCmd.AddCommand(newStatsCmd(root, overrides))
	rootCmd.AddCommand(newHealthCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newServeCmd(root, overrides))
	rootCmd.AddCommand(newScheduleCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime is everything a command needs once configuration is loaded.
type runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	app      *app.App
	store    storage.Storage
	recorder *metrics.Recorder
	closeLog func() error
}

func (r *runtime) Close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn().Err(err).Msg("failed to close storage client")
		}
	}
	if r.closeLog != nil {
		_ = r.closeLog()
	}
}

// opContext bounds a one-shot command by global.operation_timeout and
// cancels it on SIGINT/SIGTERM.
func (r *runtime) opContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Global.OperationTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// setup loads configuration, applies flag overrides and wires the app.
// mutate, when set, adjusts the config before anything is built from it.
func setup(root *rootFlags, overrides *overrideFlags, longRunning bool, mutate func(*config.Config)) (*runtime, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger, closeLog, err := logging.Configure(cfg.Global)
	if err != nil {
		return nil, err
	}

	var adapter db.Adapter
	if cfg.Database.Type != "" && cfg.Database.Type != "none" {
		adapter, err = db.NewAdapter(cfg.Database.Type, db.Options{
			AllowMissingTools: cfg.Global.AllowMissingTools,
			DropExisting:      cfg.Restore.DropExisting,
			Log:               logging.Component(logger, "db"),
		})
		if err != nil {
			_ = closeLog()
			return nil, err
		}
	}

	rt := &runtime{cfg: cfg, log: logger, recorder: metrics.New(longRunning), closeLog: closeLog}
	if storage.Enabled(cfg.Storage) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
		defer cancel()
		if rt.store, err = storage.New(ctx, cfg.Storage); err != nil {
			_ = closeLog()
			return nil, err
		}
	}
	rt.app = app.New(cfg, adapter, rt.store, logger, notify.FromConfig(cfg.Notifications), rt.recorder)
	return rt, nil
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.BackupRoot != "" {
		if cfg.Global.LockFile == filepath.Join(cfg.Backup.Root, ".vrb.lock") {
			cfg.Global.LockFile = filepath.Join(overrides.BackupRoot, ".vrb.lock")
		}
		cfg.Backup.Root = overrides.BackupRoot
	}
	if overrides.BasePath != "" {
		cfg.Backup.BasePath = overrides.BasePath
	}
	if overrides.DBType != "" {
		cfg.Database.Type = overrides.DBType
	}
	if overrides.DBHost != "" {
		cfg.Database.Host = overrides.DBHost
	}
	if overrides.DBPort != 0 {
		cfg.Database.Port = overrides.DBPort
	}
	if overrides.DBUser != "" {
		cfg.Database.Username = overrides.DBUser
	}
	if overrides.DBPassword != "" {
		cfg.Database.Password = overrides.DBPassword
	}
	if overrides.DBName != "" {
		cfg.Database.Database = overrides.DBName
	}
	if overrides.SQLitePath != "" {
		cfg.Database.SQLitePath = overrides.SQLitePath
	}

	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = parseBool(overrides.S3UseSSL)
	}
	if overrides.S3PathStyle != "" {
		cfg.Storage.S3.ForcePathStyle = parseBool(overrides.S3PathStyle)
	}

	if overrides.EncryptionKey != "" {
		cfg.Backup.EncryptionKey = overrides.EncryptionKey
	}

	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
