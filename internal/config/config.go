package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
	// AllowedOrigins lists web app origins for CORS; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type GatewayConfig struct {
	// AdvertiseAddr is what this instance registers in etcd for discovery.
	AdvertiseAddr     string        `mapstructure:"advertise_addr"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	// FramesPerSecond bounds how fast one connection may push frames at us.
	FramesPerSecond int `mapstructure:"frames_per_second"`
	FrameBurst      int `mapstructure:"frame_burst"`
}

type WorkersConfig struct {
	FlusherInterval  time.Duration `mapstructure:"flusher_interval"`
	FlusherBatchSize int           `mapstructure:"flusher_batch_size"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("TASKPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.environment", "dev")
	viper.SetDefault("server.port", ":8080")
	viper.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	viper.SetDefault("gateway.send_buffer_size", 128)
	viper.SetDefault("gateway.auth_timeout", 10*time.Second)
	viper.SetDefault("gateway.frames_per_second", 25)
	viper.SetDefault("gateway.frame_burst", 50)
	viper.SetDefault("workers.flusher_interval", 5*time.Second)
	viper.SetDefault("workers.flusher_batch_size", 50)
	viper.SetDefault("ratelimit.requests_per_second", 5)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}
