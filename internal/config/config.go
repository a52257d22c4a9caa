package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	DeviceID string `mapstructure:"device_id"`
	Role     string `mapstructure:"role"`

	RelayURL    string `mapstructure:"relay_url"`
	APIBaseURL  string `mapstructure:"api_base_url"`
	APIKey      string `mapstructure:"api_key"`
	IceEndpoint string `mapstructure:"ice_endpoint"`

	DBPath string `mapstructure:"db_path"`

	JoinLimit       int    `mapstructure:"join_limit"`
	JoinLimitWindow string `mapstructure:"join_limit_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("role", "producer")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws")
	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("db_path", "camlink.sqlite3")
	v.SetDefault("join_limit", 30)
	v.SetDefault("join_limit_window", "1m")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Role: %s\n", cfg.Mode, cfg.Port, cfg.Role)
	return &cfg, nil
}
