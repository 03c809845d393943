package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Server        ServerConfig        `mapstructure:"server"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
}

type GlobalConfig struct {
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"` // json or console
	LogFile           string        `mapstructure:"log_file"`   // optional; appended alongside stderr
	LockFile          string        `mapstructure:"lock_file"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase  string        `mapstructure:"config_passphrase"` // optional; may come from env
	AllowMissingTools bool          `mapstructure:"allow_missing_tools"`
	Environment       string        `mapstructure:"environment"`
	AppVersion        string        `mapstructure:"app_version"`
}

type DatabaseConfig struct {
	Type              string            `mapstructure:"type"` // mysql, postgres, mongodb, sqlite
	Host              string            `mapstructure:"host"`
	Port              int               `mapstructure:"port"`
	Username          string            `mapstructure:"username"`
	Password          string            `mapstructure:"password"`
	Database          string            `mapstructure:"database"`
	Params            map[string]string `mapstructure:"params"`
	SSLMode           string            `mapstructure:"ssl_mode"`
	SSLCA             string            `mapstructure:"ssl_ca"`
	SSLCert           string            `mapstructure:"ssl_cert"`
	SSLKey            string            `mapstructure:"ssl_key"`
	ConnectionTimeout time.Duration     `mapstructure:"connection_timeout"`
	SQLitePath        string            `mapstructure:"sqlite_path"`
	ExcludeTables     []string          `mapstructure:"exclude_tables"`
	NativeFallback    bool              `mapstructure:"native_fallback"`
}

type BackupConfig struct {
	Root              string        `mapstructure:"root"`
	BasePath          string        `mapstructure:"base_path"`
	NamePrefix        string        `mapstructure:"name_prefix"`
	Type              string        `mapstructure:"type"` // full, database, files
	Compress          bool          `mapstructure:"compress"`
	Format            string        `mapstructure:"format"` // zip, tar.gz, tar.zst, tar.lz4
	Level             int           `mapstructure:"level"`
	Encrypt           bool          `mapstructure:"encrypt"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	Verify            bool          `mapstructure:"verify"`
	RetryCount        int           `mapstructure:"retry_count"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	MaxParallelism    int           `mapstructure:"max_parallelism"`
	Sources           []Source      `mapstructure:"sources"`
	ConfigFiles       []string      `mapstructure:"config_files"`
	Exclude           []string      `mapstructure:"exclude"`
	RetentionPolicy   Retention     `mapstructure:"retention"`
	StalePartialAfter time.Duration `mapstructure:"stale_partial_after"`
}

// Source maps an application path to a directory inside the backup.
type Source struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

type RestoreConfig struct {
	TempDir      string `mapstructure:"temp_dir"`
	DryRun       bool   `mapstructure:"dry_run"`
	DropExisting bool   `mapstructure:"drop_existing"`
	SkipDatabase bool   `mapstructure:"skip_database"`
	SkipFiles    bool   `mapstructure:"skip_files"`
	SkipVerify   bool   `mapstructure:"skip_verify"`
}

type Retention struct {
	KeepLast int `mapstructure:"keep_last"`
	KeepDays int `mapstructure:"keep_days"`
}

type StorageConfig struct {
	Backend        string     `mapstructure:"backend"` // none, local, s3, gcs, azure
	Local          LocalStore `mapstructure:"local"`
	S3             S3Store    `mapstructure:"s3"`
	GCS            GCSStore   `mapstructure:"gcs"`
	Azure          AzureStore `mapstructure:"azure"`
	Prefix         string     `mapstructure:"prefix"`
	UploadManifest bool       `mapstructure:"upload_manifest"`
	ApplyRetention bool       `mapstructure:"apply_retention"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type GCSStore struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

type AzureStore struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	ServiceURL  string `mapstructure:"service_url"` // defaults to https://<account>.blob.core.windows.net/
}

type NotificationsConfig struct {
	NotifyOn   NotifyOn         `mapstructure:"notify_on"`
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type NotifyOn struct {
	Success bool `mapstructure:"success"`
	Failure bool `mapstructure:"failure"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ScheduleConfig struct {
	WindowStart string        `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string        `mapstructure:"window_end"`
	Timezone    string        `mapstructure:"timezone"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	Jobs        []ScheduleJob `mapstructure:"jobs"`
}

type ScheduleJob struct {
	Name string `mapstructure:"name"`
	Cron string `mapstructure:"cron"`
	Type string `mapstructure:"type"`
}

type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	Token        string        `mapstructure:"token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Textfile string `mapstructure:"textfile"`
}

type MonitoringConfig struct {
	MaxBackupAge  time.Duration `mapstructure:"max_backup_age"`
	MinBackupSize int64         `mapstructure:"min_backup_size"`
}

// DefaultSources is the file layout backed up when none is configured.
func DefaultSources() []Source {
	return []Source{
		{Name: "storage_app", Path: "storage/app"},
		{Name: "storage_logs", Path: "storage/logs"},
		{Name: "public_uploads", Path: "public/uploads"},
		{Name: "ia_output", Path: "ia/output"},
		{Name: "ia_attachments", Path: "ia/attachments"},
	}
}

// DefaultConfigFiles are the configuration files copied by full backups.
func DefaultConfigFiles() []string {
	return []string{".env", "config/app.php", "config/database.php", "config/security.php", "ia/config.json"}
}

// DefaultJobs mirrors the daily/weekly/monthly cadence of the application.
func DefaultJobs() []ScheduleJob {
	return []ScheduleJob{
		{Name: "database-daily", Cron: "0 2 * * *", Type: "database"},
		{Name: "files-weekly", Cron: "0 3 * * 0", Type: "files"},
		{Name: "full-monthly", Cron: "0 4 1 * *", Type: "full"},
	}
}
