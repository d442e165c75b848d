// Package config loads the server configuration from an optional YAML file
// with environment variable overrides. Resolution order, highest wins:
// environment variables, file values, built-in defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-cas-server/internal/utils"
	"github.com/jrsteele09/go-cas-server/services"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	portEnvVar          = "PORT"
	envEnvVar           = "ENV"
	storageEnvVar       = "STORAGE_BACKEND"
	boltPathEnvVar      = "BOLT_PATH"
	usersPathEnvVar     = "USERS_PATH"
	redisAddrEnvVar     = "REDIS_ADDR"
	redisPasswordEnvVar = "REDIS_PASSWORD"
	redisDBEnvVar       = "REDIS_DB"
	jwtSecretEnvVar     = "JWT_SECRET"
	jwtIssuerEnvVar     = "JWT_ISSUER"
)

// Storage backends selectable through StorageConfig.Backend.
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageRedis  = "redis"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig                 `yaml:"server"`
	Session  SessionConfig                `yaml:"session"`
	Storage  StorageConfig                `yaml:"storage"`
	JWT      JWTConfig                    `yaml:"jwt"`
	Services []services.RegisteredService `yaml:"services"`
	Users    []UserSeed                   `yaml:"users"`
}

// UserSeed is an account ensured to exist on startup. The password is
// bcrypt-hashed before it is stored.
type UserSeed struct {
	Username   string              `yaml:"username"`
	Password   string              `yaml:"password"`
	Attributes map[string][]string `yaml:"attributes"`
	Disabled   bool                `yaml:"disabled"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// Duration accepts "30s" and "8h" style values in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "[Duration.UnmarshalYAML] parsing %q", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// SessionConfig carries the lifetime knobs. Unset fields keep the built-in
// defaults.
type SessionConfig struct {
	IdleTimeout     *Duration `yaml:"idleTimeout"`
	LongTermTimeout *Duration `yaml:"longTermTimeout"`
	AccessTTL       *Duration `yaml:"accessTTL"`
	SweepInterval   *Duration `yaml:"sweepInterval"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	BoltPath      string `yaml:"boltPath"`
	UsersPath     string `yaml:"usersPath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads the configuration file at path when it exists, then applies
// environment overrides. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "[config.Load] reading %s", path)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "[config.Load] parsing %s", path)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.Storage.Backend != StorageMemory && cfg.Storage.Backend != StorageBolt && cfg.Storage.Backend != StorageRedis {
		return Config{}, errors.Errorf("[config.Load] unknown storage backend %q", cfg.Storage.Backend)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: ":8080",
			Env:  "DEV",
		},
		Storage: StorageConfig{
			Backend:   StorageMemory,
			BoltPath:  "./data/cas.db",
			UsersPath: "./data/users.db",
		},
		JWT: JWTConfig{
			Issuer: "go-cas-server",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = normalizePort(GetEnv(portEnvVar, cfg.Server.Port))
	cfg.Server.Env = GetEnv(envEnvVar, cfg.Server.Env)
	cfg.Storage.Backend = GetEnv(storageEnvVar, cfg.Storage.Backend)
	cfg.Storage.BoltPath = GetEnv(boltPathEnvVar, cfg.Storage.BoltPath)
	cfg.Storage.UsersPath = GetEnv(usersPathEnvVar, cfg.Storage.UsersPath)
	cfg.Storage.RedisAddr = GetEnv(redisAddrEnvVar, cfg.Storage.RedisAddr)
	cfg.Storage.RedisPassword = GetEnv(redisPasswordEnvVar, cfg.Storage.RedisPassword)
	if db, err := strconv.Atoi(os.Getenv(redisDBEnvVar)); err == nil {
		cfg.Storage.RedisDB = db
	}
	cfg.JWT.Secret = GetEnv(jwtSecretEnvVar, cfg.JWT.Secret)
	cfg.JWT.Issuer = GetEnv(jwtIssuerEnvVar, cfg.JWT.Issuer)
}

func normalizePort(port string) string {
	if port == "" || strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// GetIdleTimeout returns the configured session idle timeout or the default.
func (c SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(utils.ValueOr(c.IdleTimeout, Duration(8*time.Hour)))
}

func (c SessionConfig) GetLongTermTimeout() time.Duration {
	return time.Duration(utils.ValueOr(c.LongTermTimeout, Duration(30*24*time.Hour)))
}

func (c SessionConfig) GetAccessTTL() time.Duration {
	return time.Duration(utils.ValueOr(c.AccessTTL, Duration(10*time.Second)))
}

func (c SessionConfig) GetSweepInterval() time.Duration {
	return time.Duration(utils.ValueOr(c.SweepInterval, Duration(time.Minute)))
}

// GetEnv returns the environment variable value or the default when unset.
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
