package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   Server
	Storage  Storage
	Database Database
	Redis    Redis
	NATS     NATS
	JWT      JWT
	Log      Log
	Outbox   Outbox
	Presence Presence
}

type Server struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Storage selects the durable backend: "postgres" or "memory".
type Storage struct {
	Driver string
}

type Database struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Redis struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	LastSeenTTL time.Duration
}

type NATS struct {
	Enabled       bool
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type JWT struct {
	Secret string
	Issuer string
}

type Log struct {
	Level       string
	Development bool
}

type Outbox struct {
	Interval    time.Duration
	BatchSize   int
	StaleAfter  time.Duration
	MaxAttempts int
}

type Presence struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

const envPrefix = "GIGCHAT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readtimeout", 15*time.Second)
	v.SetDefault("server.writetimeout", 15*time.Second)
	v.SetDefault("server.idletimeout", 60*time.Second)
	v.SetDefault("server.shutdowntimeout", 10*time.Second)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxopenconns", 25)
	v.SetDefault("database.maxidleconns", 25)
	v.SetDefault("database.connmaxlifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lastseenttl", 30*24*time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "gigchat")
	v.SetDefault("nats.subjectprefix", "gigchat")
	v.SetDefault("nats.reconnectwait", 500*time.Millisecond)
	v.SetDefault("nats.timeout", 3*time.Second)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("outbox.interval", 5*time.Second)
	v.SetDefault("outbox.batchsize", 100)
	v.SetDefault("outbox.staleafter", 10*time.Second)
	v.SetDefault("outbox.maxattempts", 20)

	v.SetDefault("presence.sendbuffer", 256)
	v.SetDefault("presence.writewait", 10*time.Second)
	v.SetDefault("presence.pongwait", 60*time.Second)
	v.SetDefault("presence.maxmessagesize", 64*1024)
}

// Load reads an optional .env file, then the optional YAML file at path,
// then GIGCHAT_* environment variables (GIGCHAT_DATABASE_DSN, GIGCHAT_JWT_SECRET, ...).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, err
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt secret is not set")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database dsn is not set")
		}
	case "memory":
	default:
		return errors.New("storage driver must be postgres or memory")
	}
	if c.Outbox.BatchSize <= 0 {
		return errors.New("outbox batch size must be positive")
	}
	if c.Presence.SendBuffer <= 0 {
		return errors.New("presence send buffer must be positive")
	}
	return nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
