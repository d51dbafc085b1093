// Package conf loads crmsync settings from YAML, environment and flags through viper.
package conf

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"

	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

// Settings is the root configuration
type Settings struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Database  DatabaseSettings     `mapstructure:"database" yaml:"database"`
	Source    SourceSettings       `mapstructure:"source" yaml:"source"`
	Schema    SchemaSettings       `mapstructure:"schema" yaml:"schema"`
	Migration MigrationSettings    `mapstructure:"migration" yaml:"migration"`
	API       APISettings          `mapstructure:"api" yaml:"api"`
	MQTT      MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
}

// DatabaseSettings selects the migration target store
type DatabaseSettings struct {
	Type          string         `mapstructure:"type" yaml:"type"` // sqlite or mysql
	SQLite        SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite"`
	MySQL         MySQLSettings  `mapstructure:"mysql" yaml:"mysql"`
	Debug         bool           `mapstructure:"debug" yaml:"debug"`                 // log every statement at trace level
	SlowThreshold time.Duration  `mapstructure:"slowthreshold" yaml:"slowthreshold"` // statements slower than this are logged as warnings
}

// SQLiteSettings contains settings for the SQLite target
type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MySQLSettings contains settings for the MySQL target
type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// DSN returns the go-sql-driver DSN for the MySQL target
func (m MySQLSettings) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = m.Username
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.Loc = time.Local
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// SourceSettings selects where raw CRM records are read from
type SourceSettings struct {
	Type   string               `mapstructure:"type" yaml:"type"` // http or sql
	HTTP   HTTPSourceSettings   `mapstructure:"http" yaml:"http"`
	Legacy LegacySourceSettings `mapstructure:"legacy" yaml:"legacy"`
}

// HTTPSourceSettings configures the paginated CRM HTTP source
type HTTPSourceSettings struct {
	BaseURL   string        `mapstructure:"baseurl" yaml:"baseurl"`
	Token     string        `mapstructure:"token" yaml:"token"`
	RateLimit float64       `mapstructure:"ratelimit" yaml:"ratelimit"` // requests per second, 0 disables limiting
	Burst     int           `mapstructure:"burst" yaml:"burst"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMax  int           `mapstructure:"retrymax" yaml:"retrymax"`
	TotalPath string        `mapstructure:"totalpath" yaml:"totalpath"` // gjson path of the record count
	DataPath  string        `mapstructure:"datapath" yaml:"datapath"`   // gjson path of the record array
}

// LegacySourceSettings configures a legacy SQL database holding CRM exports
type LegacySourceSettings struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or mysql
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// SchemaSettings locates the schema document
type SchemaSettings struct {
	Path    string `mapstructure:"path" yaml:"path"` // empty uses the embedded default schema
	History int    `mapstructure:"history" yaml:"history"`
}

// MigrationSettings tunes the batch orchestrator
type MigrationSettings struct {
	BatchSize         int                `mapstructure:"batchsize" yaml:"batchsize"`
	BatchSizes        map[string]int     `mapstructure:"batchsizes" yaml:"batchsizes"`
	FailureThreshold  float64            `mapstructure:"failurethreshold" yaml:"failurethreshold"`
	Thresholds        map[string]float64 `mapstructure:"thresholds" yaml:"thresholds"`
	MaxRecentErrors   int                `mapstructure:"maxrecenterrors" yaml:"maxrecenterrors"`
	BatchDelay        time.Duration      `mapstructure:"batchdelay" yaml:"batchdelay"`
	StopOnWriteError  bool               `mapstructure:"stoponwriteerror" yaml:"stoponwriteerror"`
	SampleSize        int                `mapstructure:"samplesize" yaml:"samplesize"`
	ValidationTTL     time.Duration      `mapstructure:"validationttl" yaml:"validationttl"`
	ValidateOnSuccess bool               `mapstructure:"validateonsuccess" yaml:"validateonsuccess"`
}

// ThresholdFor returns the failure ratio that pauses a job of objectType
func (m *MigrationSettings) ThresholdFor(objectType string) float64 {
	if t, ok := m.Thresholds[objectType]; ok && t > 0 {
		return t
	}
	return m.FailureThreshold
}

// BatchSizeFor returns the configured batch size for objectType, falling back to
// schemaDefault and then the global batch size.
func (m *MigrationSettings) BatchSizeFor(objectType string, schemaDefault int) int {
	if n, ok := m.BatchSizes[objectType]; ok && n > 0 {
		return n
	}
	if schemaDefault > 0 {
		return schemaDefault
	}
	return m.BatchSize
}

// APISettings configures the management API
type APISettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// MQTTSettings configures progress publishing for the dashboard
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"clientid" yaml:"clientid"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

// TelemetrySettings configures error reporting
type TelemetrySettings struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	DSN         string  `mapstructure:"dsn" yaml:"dsn"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
	SampleRate  float64 `mapstructure:"samplerate" yaml:"samplerate"`
}

const (
	configName = "crmsync"
	envPrefix  = "CRMSYNC"
)

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file, environment variables and bound flags.
// A missing config file is not an error; defaults apply.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_settings").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults and reads the config file if one can be found.
func initViper() error {
	setDefaultConfig()

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// An explicit --config flag has already called viper.SetConfigFile
	if viper.ConfigFileUsed() == "" {
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
		for _, path := range defaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("config_file", viper.ConfigFileUsed()).
			Build()
	}

	return nil
}

// defaultConfigPaths lists the directories searched for crmsync.yaml
func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "crmsync"))
	}
	return append(paths, "/etc/crmsync")
}

// Setting returns the last loaded settings, or nil before Load
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
