// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/crmsync.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.sqlite.path", "crmsync.db")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", 3306)
	viper.SetDefault("database.mysql.username", "")
	viper.SetDefault("database.mysql.password", "")
	viper.SetDefault("database.mysql.database", "crmsync")
	viper.SetDefault("database.debug", false)
	viper.SetDefault("database.slowthreshold", 500*time.Millisecond)

	viper.SetDefault("source.type", "http")
	viper.SetDefault("source.http.baseurl", "")
	viper.SetDefault("source.http.token", "")
	viper.SetDefault("source.http.ratelimit", 5.0)
	viper.SetDefault("source.http.burst", 1)
	viper.SetDefault("source.http.timeout", 30*time.Second)
	viper.SetDefault("source.http.retrymax", 3)
	viper.SetDefault("source.http.totalpath", "total")
	viper.SetDefault("source.http.datapath", "data")
	viper.SetDefault("source.legacy.driver", "sqlite")
	viper.SetDefault("source.legacy.dsn", "")

	viper.SetDefault("schema.path", "")
	viper.SetDefault("schema.history", 5)

	viper.SetDefault("migration.batchsize", 50)
	viper.SetDefault("migration.failurethreshold", 0.10)
	viper.SetDefault("migration.maxrecenterrors", 100)
	viper.SetDefault("migration.batchdelay", 0)
	viper.SetDefault("migration.stoponwriteerror", false)
	viper.SetDefault("migration.samplesize", 20)
	viper.SetDefault("migration.validationttl", 10*time.Minute)
	viper.SetDefault("migration.validateonsuccess", true)

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", ":8080")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "crmsync/progress")
	viper.SetDefault("mqtt.clientid", "crmsync")
	viper.SetDefault("mqtt.qos", 0)
	viper.SetDefault("mqtt.retain", true)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.dsn", "")
	viper.SetDefault("telemetry.environment", "production")
	viper.SetDefault("telemetry.samplerate", 1.0)
}
