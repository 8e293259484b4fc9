package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database" validate:"required"`
	Drive    DriveConfig    `mapstructure:"drive" yaml:"drive" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
	Schema   string `mapstructure:"schema" yaml:"schema"` // Optional: derived from the database name
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// DriveConfig holds the remote drive connection settings
type DriveConfig struct {
	CredentialsFile string        `mapstructure:"credentials_file" yaml:"credentials_file" validate:"required"`
	RootFolderID    string        `mapstructure:"root_folder_id" yaml:"root_folder_id"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts" validate:"min=0,max=10"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	PageSize        int64         `mapstructure:"page_size" yaml:"page_size" validate:"min=0,max=1000"`
}

// StorageConfig holds local byte storage settings
type StorageConfig struct {
	UploadDir string `mapstructure:"upload_dir" yaml:"upload_dir" validate:"required"`
}

// SyncConfig holds sync behavior settings
type SyncConfig struct {
	Concurrency         int           `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1,max=100"`
	FullSyncTimeout     time.Duration `mapstructure:"full_sync_timeout" yaml:"full_sync_timeout"`
	QuickSyncTimeout    time.Duration `mapstructure:"quick_sync_timeout" yaml:"quick_sync_timeout"`
	ImageThumbnailDelay time.Duration `mapstructure:"image_thumbnail_delay" yaml:"image_thumbnail_delay"`
	VideoThumbnailDelay time.Duration `mapstructure:"video_thumbnail_delay" yaml:"video_thumbnail_delay"`
	Owner               string        `mapstructure:"owner" yaml:"owner"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr        string            `mapstructure:"addr" yaml:"addr"`
	BodyLimitMB int               `mapstructure:"body_limit_mb" yaml:"body_limit_mb" validate:"min=0"`
	APITokens   map[string]string `mapstructure:"api_tokens" yaml:"api_tokens"` // token -> principal
}

// WatchConfig holds inbox watcher settings
type WatchConfig struct {
	InboxPath       string        `mapstructure:"inbox_path" yaml:"inbox_path" validate:"omitempty,dir"`
	TargetFolderID  string        `mapstructure:"target_folder_id" yaml:"target_folder_id"`
	Principal       string        `mapstructure:"principal" yaml:"principal"`
	DebounceMs      int           `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	RescanInterval  time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`
	IgnorePatterns  []string      `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	IncludePatterns []string      `mapstructure:"include_patterns" yaml:"include_patterns"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:     5432,
			SSLMode:  "require",
			MaxConns: 10,
		},
		Drive: DriveConfig{
			CallTimeout:    30 * time.Second,
			RetryAttempts:  3,
			RetryBaseDelay: 500 * time.Millisecond,
			PageSize:       1000,
		},
		Storage: StorageConfig{
			UploadDir: "uploads",
		},
		Sync: SyncConfig{
			Concurrency:         10,
			FullSyncTimeout:     30 * time.Minute,
			QuickSyncTimeout:    5 * time.Minute,
			ImageThumbnailDelay: 5 * time.Second,
			VideoThumbnailDelay: 30 * time.Second,
			Owner:               "system",
		},
		Server: ServerConfig{
			Addr:        ":3000",
			BodyLimitMB: 100,
		},
		Watch: WatchConfig{
			DebounceMs:     2000,
			RescanInterval: time.Minute,
			IgnorePatterns: []string{
				"**/.DS_Store",
				"**/*.part",
				"**/*.tmp",
				"**/.~*",
			},
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("database.max_conns", defaults.Database.MaxConns)
	v.SetDefault("drive.call_timeout", defaults.Drive.CallTimeout)
	v.SetDefault("drive.retry_attempts", defaults.Drive.RetryAttempts)
	v.SetDefault("drive.retry_base_delay", defaults.Drive.RetryBaseDelay)
	v.SetDefault("drive.page_size", defaults.Drive.PageSize)
	v.SetDefault("storage.upload_dir", defaults.Storage.UploadDir)
	v.SetDefault("sync.concurrency", defaults.Sync.Concurrency)
	v.SetDefault("sync.full_sync_timeout", defaults.Sync.FullSyncTimeout)
	v.SetDefault("sync.quick_sync_timeout", defaults.Sync.QuickSyncTimeout)
	v.SetDefault("sync.image_thumbnail_delay", defaults.Sync.ImageThumbnailDelay)
	v.SetDefault("sync.video_thumbnail_delay", defaults.Sync.VideoThumbnailDelay)
	v.SetDefault("sync.owner", defaults.Sync.Owner)
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.body_limit_mb", defaults.Server.BodyLimitMB)
	v.SetDefault("watch.debounce_ms", defaults.Watch.DebounceMs)
	v.SetDefault("watch.rescan_interval", defaults.Watch.RescanInterval)
	v.SetDefault("watch.ignore_patterns", defaults.Watch.IgnorePatterns)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DRIVESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Drive.CredentialsFile = expandPath(cfg.Drive.CredentialsFile)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir)
	cfg.Watch.InboxPath = expandPath(cfg.Watch.InboxPath)
	for token, principal := range cfg.Server.APITokens {
		expanded := os.ExpandEnv(token)
		if expanded != token {
			delete(cfg.Server.APITokens, token)
			cfg.Server.APITokens[expanded] = principal
		}
	}

	if cfg.Database.Schema == "" {
		cfg.Database.Schema = SanitizeIdentifier(cfg.Database.Database)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct tags on cfg.
func Validate(cfg *Config) error {
	validate := validator.New()

	// Directory existence check for watched paths
	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "drivesync-pg")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "drivesync-pg")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "drivesync-pg")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "drivesync-pg")
	}
}

// GetStateDir returns the directory for config and local state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderline = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts a name into a valid PostgreSQL identifier
// (lowercase, [a-z0-9_], starting with a letter or underscore, max 63 chars).
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)

	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")

	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderline.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = "drive"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "drive_" + name
	}

	// PostgreSQL max identifier length is 63 characters
	if len(name) > 63 {
		name = name[:63]
		name = strings.TrimRight(name, "_")
	}

	return name
}
