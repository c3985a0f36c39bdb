package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/angas/nordpool2influx/logging"
	"github.com/angas/nordpool2influx/nordpool"
)

const (
	SinkInfluxDB = "influxdb"
	SinkSQLite   = "sqlite"
	SinkMemory   = "memory"
)

type AppConfigSink struct {
	Type string `mapstructure:"type" yaml:"type"` // "influxdb", "sqlite" or "memory"
}

type AppConfigNordpool struct {
	BaseUrl               string  `mapstructure:"baseUrl" yaml:"baseUrl"`
	Currency              string  `mapstructure:"currency" yaml:"currency"`
	Timezone              string  `mapstructure:"timezone" yaml:"timezone"` // Market time zone, default: Europe/Oslo
	RequestTimeoutSeconds int     `mapstructure:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
	RequestsPerSecond     float64 `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond"`
	MaxHorizonDays        int     `mapstructure:"maxHorizonDays" yaml:"maxHorizonDays"`
	// Fall back on elprisetjustnu.se for the Swedish areas when Nord Pool fails
	Fallback        bool   `mapstructure:"fallback" yaml:"fallback"`
	FallbackBaseUrl string `mapstructure:"fallbackBaseUrl" yaml:"fallbackBaseUrl,omitempty"`
}

func (n AppConfigNordpool) Location() (*time.Location, error) {
	return time.LoadLocation(n.Timezone)
}

func (n AppConfigNordpool) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutSeconds) * time.Second
}

type AppConfigNormalizer struct {
	Unit        string             `mapstructure:"unit" yaml:"unit"`
	UnitFactors map[string]float64 `mapstructure:"unitFactors" yaml:"unitFactors"`
	PriceFactor float64            `mapstructure:"priceFactor" yaml:"priceFactor"`
	Decimals    int                `mapstructure:"decimals" yaml:"decimals"` // Negative means no rounding
}

type AppConfigInfluxDB struct {
	Host            string `mapstructure:"host" yaml:"host"`
	Port            int    `mapstructure:"port" yaml:"port"`
	Database        string `mapstructure:"database" yaml:"database"`
	RetentionPolicy string `mapstructure:"retention_policy" yaml:"retention_policy"`
	Username        string `mapstructure:"username" yaml:"username"`
	Password        string `mapstructure:"password" yaml:"password"`
	// InfluxDB 2.x token and organisation, overrides username and password
	Token          string `mapstructure:"token" yaml:"token"`
	Org            string `mapstructure:"org" yaml:"org"`
	Measurement    string `mapstructure:"measurement" yaml:"measurement"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Bucket is the v1 compatible "database/retention_policy" bucket name.
func (i AppConfigInfluxDB) Bucket() string {
	if i.RetentionPolicy == "" {
		return i.Database
	}
	return i.Database + "/" + i.RetentionPolicy
}

func (i AppConfigInfluxDB) AuthToken() string {
	if i.Token != "" {
		return i.Token
	}
	if i.Username == "" {
		return ""
	}
	return i.Username + ":" + i.Password
}

type AppConfigDatabase struct {
	// Path to the SQLite database, empty disables run history and database logging
	Path string `mapstructure:"path" yaml:"path"`
	// How many days price points and run records are kept before they are purged
	DataRetentionDays int `mapstructure:"data_retention_days" yaml:"data_retention_days"`
	// How many days daily backup files are kept before they are deleted
	BackupRetentionDays int `mapstructure:"backup_retention_days" yaml:"backup_retention_days"`
}

type AppConfigApi struct {
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port"` // 0 disables the status api
}

type AppConfigMqtt struct {
	Host        string `mapstructure:"host" yaml:"host"` // Empty disables publishing
	Port        int    `mapstructure:"port" yaml:"port"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	ClientId    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
}

type AppConfigLogging struct {
	// Min log level for console: "DEBUG", "INFO", "WARN", "ERROR"
	ConsoleLevel string `mapstructure:"console_level" yaml:"console_level"`
	// Min log level for database
	DbLevel string `mapstructure:"db_level" yaml:"db_level"`
	// Log attributes format: "TEXT" or "JSON"
	DbAttrsFormat string `mapstructure:"db_attrs_format" yaml:"db_attrs_format"`
	// Maximum number of log entries in the database
	DbMaxEntries int `mapstructure:"db_max_entries" yaml:"db_max_entries"`
}

func (l AppConfigLogging) GetConsoleLevel() slog.Level {
	return logging.LevelFromString(l.ConsoleLevel)
}

func (l AppConfigLogging) GetDbLevel() slog.Level {
	return logging.LevelFromString(l.DbLevel)
}

func (l AppConfigLogging) GetDbAttrsFormat() logging.LogAttrFormat {
	return logging.AttrFormatFromString(l.DbAttrsFormat)
}

type AppConfig struct {
	Areas                   []string `mapstructure:"areas" yaml:"areas"`
	ScheduleIntervalMinutes int      `mapstructure:"scheduleIntervalMinutes" yaml:"scheduleIntervalMinutes"`
	// Cron expression, replaces scheduleIntervalMinutes when set
	RunAt                string  `mapstructure:"runAt" yaml:"runAt"`
	RunOnStart           bool    `mapstructure:"runOnStart" yaml:"runOnStart"`
	RetryIntervalMinutes int     `mapstructure:"retryIntervalMinutes" yaml:"retryIntervalMinutes"`
	MaxRetryAttempts     int     `mapstructure:"maxRetryAttempts" yaml:"maxRetryAttempts"`
	BackoffBaseSeconds   float64 `mapstructure:"backoffBaseSeconds" yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds    float64 `mapstructure:"backoffMaxSeconds" yaml:"backoffMaxSeconds"`
	MaxConcurrentAreas   int     `mapstructure:"maxConcurrentAreas" yaml:"maxConcurrentAreas"`
	// Delivery dates fetched on every run, as offsets from today in market time
	DeliveryDays []int  `mapstructure:"deliveryDays" yaml:"deliveryDays"`
	MaxBatchSize int    `mapstructure:"maxBatchSize" yaml:"maxBatchSize"`
	SinkEndpoint string `mapstructure:"sinkEndpoint" yaml:"sinkEndpoint"` // InfluxDB url, default built from influxdb.host and port
	DryRun       bool   `mapstructure:"dryRun" yaml:"dryRun"`

	Sink       AppConfigSink       `mapstructure:"sink" yaml:"sink"`
	Nordpool   AppConfigNordpool   `mapstructure:"nordpool" yaml:"nordpool"`
	Normalizer AppConfigNormalizer `mapstructure:"normalizer" yaml:"normalizer"`
	InfluxDB   AppConfigInfluxDB   `mapstructure:"influxdb" yaml:"influxdb"`
	Database   AppConfigDatabase   `mapstructure:"database" yaml:"database"`
	Api        AppConfigApi        `mapstructure:"api" yaml:"api"`
	Mqtt       AppConfigMqtt       `mapstructure:"mqtt" yaml:"mqtt"`
	Logging    AppConfigLogging    `mapstructure:"logging" yaml:"logging"`

	v *viper.Viper
}

// Cadence is the cron spec of the regular price run.
func (c *AppConfig) Cadence() string {
	if c.RunAt != "" {
		return c.RunAt
	}
	return fmt.Sprintf("@every %dm", c.ScheduleIntervalMinutes)
}

func (c *AppConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds * float64(time.Second))
}

func (c *AppConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds * float64(time.Second))
}

func (c *AppConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMinutes) * time.Minute
}

func (c *AppConfig) InfluxURL() string {
	if c.SinkEndpoint != "" {
		return strings.TrimRight(c.SinkEndpoint, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.InfluxDB.Host, c.InfluxDB.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("areas", []string{"SYS"})
	v.SetDefault("scheduleIntervalMinutes", 60)
	v.SetDefault("runAt", "")
	v.SetDefault("runOnStart", true)
	v.SetDefault("retryIntervalMinutes", 15)
	v.SetDefault("maxRetryAttempts", 5)
	v.SetDefault("backoffBaseSeconds", 2)
	v.SetDefault("backoffMaxSeconds", 60)
	v.SetDefault("maxConcurrentAreas", 4)
	v.SetDefault("deliveryDays", []int{0, 1})
	v.SetDefault("maxBatchSize", 5000)
	v.SetDefault("sinkEndpoint", "")
	v.SetDefault("dryRun", false)

	v.SetDefault("sink.type", SinkInfluxDB)

	v.SetDefault("nordpool.baseUrl", "https://dataportal-api.nordpoolgroup.com")
	v.SetDefault("nordpool.currency", "EUR")
	v.SetDefault("nordpool.timezone", "Europe/Oslo")
	v.SetDefault("nordpool.requestTimeoutSeconds", 30)
	v.SetDefault("nordpool.requestsPerSecond", 2)
	v.SetDefault("nordpool.maxHorizonDays", 1)
	v.SetDefault("nordpool.fallback", false)
	v.SetDefault("nordpool.fallbackBaseUrl", "")

	v.SetDefault("normalizer.unit", "MWh")
	v.SetDefault("normalizer.unitFactors", map[string]float64{"MWh": 1, "kWh": 1000})
	v.SetDefault("normalizer.priceFactor", 1)
	v.SetDefault("normalizer.decimals", -1)

	v.SetDefault("influxdb.host", "localhost")
	v.SetDefault("influxdb.port", 8086)
	v.SetDefault("influxdb.database", "energy")
	v.SetDefault("influxdb.retention_policy", "")
	v.SetDefault("influxdb.username", "")
	v.SetDefault("influxdb.password", "")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.measurement", "nordpool_price")
	v.SetDefault("influxdb.timeout_seconds", 10)

	v.SetDefault("database.path", "")
	v.SetDefault("database.data_retention_days", 365)
	v.SetDefault("database.backup_retention_days", 30)

	v.SetDefault("api.address", "")
	v.SetDefault("api.port", 8080)

	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "nordpool2influx")
	v.SetDefault("mqtt.topic_prefix", "nordpool2influx")

	v.SetDefault("logging.console_level", "INFO")
	v.SetDefault("logging.db_level", "INFO")
	v.SetDefault("logging.db_attrs_format", "JSON")
	v.SetDefault("logging.db_max_entries", 10000)
}

// Load reads the yaml config at path, or config/config.yaml when path is
// empty. Environment variables override file values, INFLUXDB_PASSWORD for
// influxdb.password, and a .env file in the working directory is honoured.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load() // A missing .env file is fine

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*AppConfig, error) {
	c := AppConfig{v: v}
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config file: %w", err)
	}
	for i, a := range c.Areas {
		c.Areas[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	c.Sink.Type = strings.ToLower(c.Sink.Type)
	return &c, nil
}

// Watch calls fn with the reloaded config every time the config file
// changes. Reloads that fail to parse are logged and skipped.
func (c *AppConfig) Watch(fn func(*AppConfig)) {
	if c.v == nil {
		return
	}
	logger := slog.Default().With("module", "config")
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		n, err := unmarshal(c.v)
		if err != nil {
			logger.Error("config reload failed", slog.Any("error", err))
			return
		}
		logger.Info("config file changed", slog.String("file", e.Name))
		fn(n)
	})
	c.v.WatchConfig()
}

func (c *AppConfig) Validate() error {
	var errs []error

	if len(c.Areas) == 0 {
		errs = append(errs, errors.New("areas: at least one bidding area is required"))
	}
	for _, a := range c.Areas {
		if !slices.Contains(nordpool.Areas, a) {
			errs = append(errs, fmt.Errorf("areas: unknown bidding area %q", a))
		}
	}
	if c.RunAt != "" {
		if _, err := cron.ParseStandard(c.RunAt); err != nil {
			errs = append(errs, fmt.Errorf("runAt: %w", err))
		}
	} else if c.ScheduleIntervalMinutes < 1 {
		errs = append(errs, errors.New("scheduleIntervalMinutes: must be at least 1"))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("maxRetryAttempts: must be at least 1"))
	}
	if c.BackoffBaseSeconds <= 0 {
		errs = append(errs, errors.New("backoffBaseSeconds: must be positive"))
	}
	if c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		errs = append(errs, errors.New("backoffMaxSeconds: must not be less than backoffBaseSeconds"))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, errors.New("maxBatchSize: must be at least 1"))
	}
	if c.MaxConcurrentAreas < 1 {
		errs = append(errs, errors.New("maxConcurrentAreas: must be at least 1"))
	}
	if len(c.DeliveryDays) == 0 {
		errs = append(errs, errors.New("deliveryDays: at least one day is required"))
	}
	for _, d := range c.DeliveryDays {
		if d < 0 || d > c.Nordpool.MaxHorizonDays {
			errs = append(errs, fmt.Errorf("deliveryDays: %d is outside 0..%d", d, c.Nordpool.MaxHorizonDays))
		}
	}
	if _, err := c.Nordpool.Location(); err != nil {
		errs = append(errs, fmt.Errorf("nordpool.timezone: %w", err))
	}
	if c.Nordpool.Currency == "" {
		errs = append(errs, errors.New("nordpool.currency: is required"))
	}

	if !slices.Contains([]string{SinkInfluxDB, SinkSQLite, SinkMemory}, c.Sink.Type) {
		errs = append(errs, fmt.Errorf("sink.type: unknown sink %q", c.Sink.Type))
	}
	if c.Sink.Type == SinkInfluxDB && !c.DryRun {
		if c.InfluxDB.Database == "" {
			errs = append(errs, errors.New("influxdb.database: is required"))
		}
		if c.SinkEndpoint == "" && c.InfluxDB.Host == "" {
			errs = append(errs, errors.New("sinkEndpoint: or influxdb.host is required"))
		}
	}
	if c.Sink.Type == SinkSQLite && c.Database.Path == "" {
		errs = append(errs, errors.New("database.path: is required for the sqlite sink"))
	}

	return errors.Join(errs...)
}

// YAML renders the effective configuration with secrets masked.
func (c *AppConfig) YAML() ([]byte, error) {
	masked := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&masked.InfluxDB.Password)
	mask(&masked.InfluxDB.Token)
	mask(&masked.Mqtt.Password)
	return yaml.Marshal(masked)
}
