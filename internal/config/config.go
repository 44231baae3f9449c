// Package config loads and validates importer configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/dataimport/internal/importer"
)

// EnvPrefix scopes environment overrides, e.g. DATAIMPORT_ACCOUNT_PASSWORD.
const EnvPrefix = "DATAIMPORT"

// OrganizationPlaceholder is substituted into Directory.URLTemplate.
const OrganizationPlaceholder = "{organization}"

// Config captures all knobs for the upload CLI and the import daemon.
type Config struct {
	Account   AccountConfig   `mapstructure:"account"`
	Import    ImportConfig    `mapstructure:"import"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AccountConfig identifies the organization and login used for uploads.
type AccountConfig struct {
	Organization string `mapstructure:"organization"`
	UserName     string `mapstructure:"user_name"`
	Password     string `mapstructure:"password"`
}

// ImportConfig names the files to upload and the import switches.
type ImportConfig struct {
	DataPath          string `mapstructure:"data_path"`
	DescriptorPath    string `mapstructure:"descriptor_path"`
	Action            string `mapstructure:"action"`
	RunInBackground   bool   `mapstructure:"run_in_background"`
	NotifyByEmail     bool   `mapstructure:"notify_by_email"`
	ShareWithAllUsers bool   `mapstructure:"share_with_all_users"`
}

// DirectoryConfig locates the cluster lookup service.
type DirectoryConfig struct {
	URLTemplate string `mapstructure:"url_template"`
}

// ServiceConfig describes the import endpoint on the resolved cluster.
type ServiceConfig struct {
	ImportPath    string `mapstructure:"import_path"`
	SessionCookie string `mapstructure:"session_cookie"`
	// UploadURL replaces {scheme}{host}{import_path} for the upload call only. Used to
	// point uploads at a capture host in development.
	UploadURL string `mapstructure:"upload_url"`
}

// HTTPConfig configures the shared HTTP transport.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// ArchiveConfig controls where temporary archives are written.
type ArchiveConfig struct {
	TempDir string `mapstructure:"temp_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ReceiptsConfig selects where upload receipts are written.
type ReceiptsConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// RunsConfig selects the run record repository.
type RunsConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// PublishConfig holds metadata for completion notifications.
type PublishConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the import daemon.
type ServerConfig struct {
	Port       int `mapstructure:"port"`
	QueueDepth int `mapstructure:"queue_depth"`
	// SubmitRPS caps submissions per organization; zero disables the limit.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// AuthConfig defines API authentication toggles for the daemon.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig controls OpenTelemetry tracing in the daemon. Spans are exported to
// Cloud Trace when ProjectID is set.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(viper.New(), path)
}

// LoadFrom is Load on a caller-supplied Viper instance, so CLI flags bound to v take
// precedence over file and environment values. Paths ending in .xml are read as the
// legacy uploader config document.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if strings.EqualFold(filepath.Ext(path), ".xml") {
			if err := loadLegacyXML(v, path); err != nil {
				return Config{}, err
			}
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv can fill them during Unmarshal.
	v.SetDefault("account.organization", "")
	v.SetDefault("account.user_name", "")
	v.SetDefault("account.password", "")
	v.SetDefault("import.data_path", "")
	v.SetDefault("import.descriptor_path", "")
	v.SetDefault("service.upload_url", "")
	v.SetDefault("archive.temp_dir", "")
	v.SetDefault("logging.level", "")
	v.SetDefault("receipts.base_dir", "")
	v.SetDefault("receipts.gcs_bucket", "")
	v.SetDefault("runs.dsn", "")
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic_name", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("import.action", string(importer.ActionOverwrite))
	v.SetDefault("import.run_in_background", true)
	v.SetDefault("import.notify_by_email", false)
	v.SetDefault("import.share_with_all_users", false)
	v.SetDefault("directory.url_template", "http://"+OrganizationPlaceholder+".spatialkey.com/clusterlookup")
	v.SetDefault("service.import_path", "/SpatialKeyFramework/dataImportAPI")
	v.SetDefault("service.session_cookie", "JSESSIONID")
	v.SetDefault("http.timeout_seconds", 300)
	v.SetDefault("http.user_agent", "dataimport/0.1")
	v.SetDefault("logging.development", true)
	v.SetDefault("receipts.backend", "none")
	v.SetDefault("receipts.prefix", "receipts")
	v.SetDefault("runs.backend", "memory")
	v.SetDefault("publish.backend", "none")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.queue_depth", 16)
	v.SetDefault("server.submit_rps", 0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "dataimportd")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if !strings.Contains(c.Directory.URLTemplate, OrganizationPlaceholder) {
		return fmt.Errorf("directory.url_template must contain %s", OrganizationPlaceholder)
	}
	if !strings.HasPrefix(c.Service.ImportPath, "/") {
		return fmt.Errorf("service.import_path must start with /")
	}
	if strings.TrimSpace(c.Service.SessionCookie) == "" {
		return fmt.Errorf("service.session_cookie must be set")
	}
	if _, err := importer.ParseAction(c.Import.Action); err != nil {
		return fmt.Errorf("import.action: %w", err)
	}
	switch c.Receipts.Backend {
	case "none", "memory":
	case "local":
		if c.Receipts.BaseDir == "" {
			return fmt.Errorf("receipts.base_dir must be set when receipts.backend is local")
		}
	case "gcs":
		if c.Receipts.GCSBucket == "" {
			return fmt.Errorf("receipts.gcs_bucket must be set when receipts.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown receipts.backend %q", c.Receipts.Backend)
	}
	switch c.Runs.Backend {
	case "memory":
	case "postgres":
		if c.Runs.DSN == "" {
			return fmt.Errorf("runs.dsn must be set when runs.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown runs.backend %q", c.Runs.Backend)
	}
	switch c.Publish.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" || c.Publish.TopicName == "" {
			return fmt.Errorf("publish.project_id and publish.topic_name must be set when publish.backend is pubsub")
		}
	default:
		return fmt.Errorf("unknown publish.backend %q", c.Publish.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.QueueDepth <= 0 {
		return fmt.Errorf("server.queue_depth must be > 0")
	}
	if c.Server.SubmitRPS < 0 {
		return fmt.Errorf("server.submit_rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Timeout converts the HTTP timeout into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ImportRequest assembles the request described by the account and import sections.
// The result is not validated; callers run ImportRequest.Validate.
func (c Config) ImportRequest() importer.ImportRequest {
	action, err := importer.ParseAction(c.Import.Action)
	if err != nil {
		action = importer.Action(c.Import.Action)
	}
	return importer.ImportRequest{
		OrganizationID:     c.Account.Organization,
		UserName:           c.Account.UserName,
		Password:           c.Account.Password,
		DataFilePath:       c.Import.DataPath,
		DescriptorFilePath: c.Import.DescriptorPath,
		Action:             action,
		RunInBackground:    c.Import.RunInBackground,
		NotifyByEmail:      c.Import.NotifyByEmail,
		ShareWithAllUsers:  c.Import.ShareWithAllUsers,
	}
}

// LookupURL renders the directory URL for an organization.
func (c DirectoryConfig) LookupURL(organizationID string) string {
	return strings.ReplaceAll(c.URLTemplate, OrganizationPlaceholder, organizationID)
}
