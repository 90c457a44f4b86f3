package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source  DatabaseConfig `yaml:"source" mapstructure:"source"`
	Dest    DatabaseConfig `yaml:"dest" mapstructure:"dest"`
	Server  ServerConfig   `yaml:"server" mapstructure:"server"`
	Log     LogConfig      `yaml:"log" mapstructure:"log"`
	Refresh RefreshConfig  `yaml:"refresh" mapstructure:"refresh"`
}

// DatabaseConfig locates one Postgres database. DatabaseURL, when set,
// takes precedence over the discrete fields.
type DatabaseConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	Name        string `yaml:"name" mapstructure:"name"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	SSLMode     string `yaml:"sslmode" mapstructure:"sslmode"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// DSN returns a connection string accepted by pgx.
func (d DatabaseConfig) DSN() string {
	if d.DatabaseURL != "" {
		return d.DatabaseURL
	}
	parts := []string{
		"host=" + quoteDSN(d.Host),
		fmt.Sprintf("port=%d", d.Port),
		"dbname=" + quoteDSN(d.Name),
		"user=" + quoteDSN(d.User),
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSN(d.Password))
	}
	if d.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSN(d.SSLMode))
	}
	return strings.Join(parts, " ")
}

// Validate reports missing connection settings. label names the database in
// the error.
func (d DatabaseConfig) Validate(label string) error {
	if d.DatabaseURL != "" {
		return nil
	}
	var missing []string
	if d.Host == "" {
		missing = append(missing, "host")
	}
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if d.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return eris.Errorf("config: %s database missing %s", label, strings.Join(missing, ", "))
	}
	return nil
}

// quoteDSN quotes a keyword/value connection string value when needed.
func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RefreshConfig tunes the refresh pipeline.
type RefreshConfig struct {
	StatementTimeout          time.Duration `yaml:"statement_timeout" mapstructure:"statement_timeout"`
	BatchSize                 int           `yaml:"batch_size" mapstructure:"batch_size"`
	AtomicLoad                bool          `yaml:"atomic_load" mapstructure:"atomic_load"`
	ClassifyRescheduleReasons bool          `yaml:"classify_reschedule_reasons" mapstructure:"classify_reschedule_reasons"`
	History                   bool          `yaml:"history" mapstructure:"history"`
	VocabularyFile            string        `yaml:"vocabulary_file" mapstructure:"vocabulary_file"`
}

// legacyEnv maps the deployment's historical variable names to config keys.
var legacyEnv = map[string]string{
	"source.host":     "ERP_DB_HOST",
	"source.port":     "ERP_DB_PORT",
	"source.name":     "ERP_DB_NAME",
	"source.user":     "ERP_DB_USER",
	"source.password": "ERP_DB_PASSWORD",
	"source.sslmode":  "ERP_DB_SSLMODE",
	"dest.host":       "DB_HOST",
	"dest.port":       "DB_PORT",
	"dest.name":       "DB_NAME",
	"dest.user":       "DB_USER",
	"dest.password":   "DB_PASSWORD",
	"dest.sslmode":    "DB_SSLMODE",
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MAINTOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "MAINTOPS_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", env)
		}
	}

	for _, db := range []string{"source", "dest"} {
		v.SetDefault(db+".host", "")
		v.SetDefault(db+".port", 5432)
		v.SetDefault(db+".name", "")
		v.SetDefault(db+".user", "")
		v.SetDefault(db+".password", "")
		v.SetDefault(db+".sslmode", "disable")
		v.SetDefault(db+".database_url", "")
	}
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("server.rate_limit_rps", 5)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("refresh.statement_timeout", 10*time.Minute)
	v.SetDefault("refresh.batch_size", 1000)
	v.SetDefault("refresh.atomic_load", true)
	v.SetDefault("refresh.classify_reschedule_reasons", true)
	v.SetDefault("refresh.history", true)
	v.SetDefault("refresh.vocabulary_file", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
