package cache

import "github.com/erp/marketsync/internal/infrastructure/config"

func configWithRedis(enabled bool) config.RedisConfig {
	return config.RedisConfig{Enabled: enabled, Host: "127.0.0.1", Port: 6379, KeyPrefix: "marketsync:test:"}
}
