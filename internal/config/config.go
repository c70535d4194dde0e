// Package config loads the demo daemon's YAML configuration via viper,
// following internal/config/config.go's Load/Config-struct shape in the
// teacher, trimmed to the fields a modbusdbd instance actually needs:
// a driver endpoint, a datamap file, and the three scheduler knobs
// named in spec §6 (interval/timeout/roundSize). The core library
// itself never imports this package — CLI/config loading is an
// external collaborator per spec §1.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the demo daemon's top-level configuration document.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Driver  DriverConfig  `mapstructure:"driver"`
	Modbus  ModbusdbConfig `mapstructure:"modbusdb"`
	Datamap DatamapConfig `mapstructure:"datamap"`
}

// ServerConfig configures the demo's REST and WebSocket listeners.
type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
	WSPort   int `mapstructure:"ws_port"`
}

// DriverConfig configures the example Modbus TCP driver.
type DriverConfig struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ModbusdbConfig mirrors modbusdb.Options's scheduler fields.
type ModbusdbConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RoundSize int           `mapstructure:"round_size"`
}

// DatamapConfig names the JSON document LoadDatamapFile reads.
type DatamapConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads and unmarshals the YAML document at path, applying the same
// defaults as modbusdb.Options' own zero-value handling so a partially
// specified file still produces a usable Config.
func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.ws_port", 8081)
	viper.SetDefault("driver.address", "127.0.0.1:502")
	viper.SetDefault("driver.timeout", "5s")
	viper.SetDefault("modbusdb.interval", "60s")
	viper.SetDefault("modbusdb.timeout", "60s")
	viper.SetDefault("modbusdb.round_size", 12)
	viper.SetDefault("datamap.path", "datamaps/example.json")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MODBUSDBD")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	return &cfg, nil
}
