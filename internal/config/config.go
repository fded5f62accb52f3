package config

import "github.com/caarlos0/env/v11"

type Config struct {
	Port                  string `env:"APP_PORT" envDefault:"8080"`
	DatabaseDSN           string `env:"DATABASE_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=chatcore port=5432 sslmode=disable TimeZone=UTC"`
	JWTSecret             string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	Env                   string `env:"APP_ENV" envDefault:"dev"`
	AccessTokenTTLMinutes int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"15"`
	RefreshTokenTTLDays   int    `env:"REFRESH_TOKEN_TTL_DAYS" envDefault:"7"`

	// NATSURL 为空时退化为进程内 loopback backplane，适合单实例部署与本地开发。
	NATSURL         string `env:"NATS_URL" envDefault:""`
	MaxMessageLen   int    `env:"MAX_MESSAGE_LEN" envDefault:"4096"`
	HistoryPageSize int    `env:"HISTORY_PAGE_SIZE" envDefault:"100"`
}

// Load 从环境变量解析配置，缺省值见结构体 tag。
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
