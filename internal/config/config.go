// Package config loads vmdemo's YAML configuration via Viper, grounded on
// the teacher's internal/config.go (NovaSqlConfig's mapstructure-tagged
// struct and viper.New/SetConfigFile/SetConfigType("yaml") sequence).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config configures the frame table's capacity, the swap device, the
// syscall boundary's user/kernel address split, and the demo's tick
// interval. The page size is not configurable (it is mem.PageSize).
type Config struct {
	Frame struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"frame"`
	Swap struct {
		DevicePath string `mapstructure:"device_path"`
		SectorSize int     `mapstructure:"sector_size"`
		NumSectors int64   `mapstructure:"num_sectors"`
	} `mapstructure:"swap"`
	Boundary struct {
		UserSplitHex string `mapstructure:"user_split_hex"`
	} `mapstructure:"boundary"`
	Demo struct {
		TickIntervalMS int `mapstructure:"tick_interval_ms"`
	} `mapstructure:"demo"`
}

// Defaults mirror a small teaching-OS build: 4 physical frames, a
// sixteen-slot swap device, and the classic Pintos 3GB/1GB split.
func Defaults() Config {
	var c Config
	c.Frame.Capacity = 4
	c.Swap.DevicePath = "swap.img"
	c.Swap.SectorSize = 512
	c.Swap.NumSectors = 16 * 8 // 16 page-sized slots
	c.Boundary.UserSplitHex = "c0000000"
	c.Demo.TickIntervalMS = 50
	return c
}

// Load reads path as YAML into a Config seeded with Defaults, so a config
// file only needs to override the keys it cares about.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
