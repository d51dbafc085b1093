// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct and reports every problem at once
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateDatabaseSettings(&settings.Database)...)
	ve.Errors = append(ve.Errors, validateSourceSettings(&settings.Source)...)
	ve.Errors = append(ve.Errors, validateSchemaSettings(&settings.Schema)...)
	ve.Errors = append(ve.Errors, validateMigrationSettings(&settings.Migration)...)
	ve.Errors = append(ve.Errors, validateMQTTSettings(&settings.MQTT)...)

	if settings.Telemetry.Enabled && settings.Telemetry.DSN == "" {
		ve.Errors = append(ve.Errors, "telemetry is enabled but no DSN is configured")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(settings *DatabaseSettings) []string {
	var errs []string
	switch strings.ToLower(settings.Type) {
	case "sqlite":
		if settings.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path must be set for the sqlite target")
		}
	case "mysql":
		if settings.MySQL.Host == "" || settings.MySQL.Database == "" {
			errs = append(errs, "database.mysql host and database must be set for the mysql target")
		}
		if settings.MySQL.Port <= 0 || settings.MySQL.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.mysql.port %d is out of range", settings.MySQL.Port))
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported database type %q, expected sqlite or mysql", settings.Type))
	}
	return errs
}

func validateSourceSettings(settings *SourceSettings) []string {
	var errs []string
	switch strings.ToLower(settings.Type) {
	case "http":
		if settings.HTTP.BaseURL != "" {
			u, err := url.Parse(settings.HTTP.BaseURL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Sprintf("source.http.baseurl %q is not an absolute URL", settings.HTTP.BaseURL))
			}
		}
		if settings.HTTP.RateLimit < 0 {
			errs = append(errs, "source.http.ratelimit must not be negative")
		}
		if settings.HTTP.RetryMax < 0 {
			errs = append(errs, "source.http.retrymax must not be negative")
		}
	case "sql":
		if settings.Legacy.Driver != "sqlite" && settings.Legacy.Driver != "mysql" {
			errs = append(errs, fmt.Sprintf("unsupported legacy source driver %q", settings.Legacy.Driver))
		}
		if settings.Legacy.DSN == "" {
			errs = append(errs, "source.legacy.dsn must be set for the sql source")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported source type %q, expected http or sql", settings.Type))
	}
	return errs
}

func validateSchemaSettings(settings *SchemaSettings) []string {
	if settings.History < 1 {
		return []string{"schema.history must keep at least one backup"}
	}
	return nil
}

func validateMigrationSettings(settings *MigrationSettings) []string {
	var errs []string
	if settings.BatchSize < 1 {
		errs = append(errs, "migration.batchsize must be positive")
	}
	for objectType, n := range settings.BatchSizes {
		if n < 1 {
			errs = append(errs, fmt.Sprintf("migration.batchsizes.%s must be positive", objectType))
		}
	}
	if settings.FailureThreshold <= 0 || settings.FailureThreshold > 1 {
		errs = append(errs, fmt.Sprintf("migration.failurethreshold %.2f must be in (0, 1]", settings.FailureThreshold))
	}
	for objectType, t := range settings.Thresholds {
		if t <= 0 || t > 1 {
			errs = append(errs, fmt.Sprintf("migration.thresholds.%s %.2f must be in (0, 1]", objectType, t))
		}
	}
	if settings.MaxRecentErrors < 1 {
		errs = append(errs, "migration.maxrecenterrors must be positive")
	}
	if settings.SampleSize < 0 {
		errs = append(errs, "migration.samplesize must not be negative")
	}
	return errs
}

func validateMQTTSettings(settings *MQTTSettings) []string {
	if !settings.Enabled {
		return nil
	}
	var errs []string
	if settings.Broker == "" {
		errs = append(errs, "mqtt is enabled but no broker is configured")
	}
	if settings.Topic == "" {
		errs = append(errs, "mqtt is enabled but no topic is configured")
	}
	if settings.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos %d must be 0, 1 or 2", settings.QoS))
	}
	return errs
}
