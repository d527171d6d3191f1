package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration: YAML file with environment
// overrides.
type Config struct {
	Listen       string `yaml:"listen"`
	BoltPath     string `yaml:"bolt_path"`
	DatabaseURL  string `yaml:"database_url"`
	FeeSymbol    string `yaml:"fee_symbol"`
	MarketSymbol string `yaml:"market_symbol"`
	LogLevel     string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Listen:       ":8080",
		BoltPath:     "escrow.db",
		FeeSymbol:    "XRD",
		MarketSymbol: "MEME",
		LogLevel:     "info",
	}
}

// Load reads the config file at path (missing file is fine, defaults
// apply) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults
		case err != nil:
			return cfg, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	override(&cfg.Listen, "ESCROW_LISTEN")
	override(&cfg.BoltPath, "ESCROW_BOLT_PATH")
	override(&cfg.DatabaseURL, "DATABASE_URL")
	override(&cfg.FeeSymbol, "ESCROW_FEE_SYMBOL")
	override(&cfg.MarketSymbol, "ESCROW_MARKET_SYMBOL")
	override(&cfg.LogLevel, "ESCROW_LOG_LEVEL")
	return cfg, nil
}

func override(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
