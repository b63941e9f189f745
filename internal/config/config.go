// Package config loads the controller's YAML configuration with defaults
// and environment variable overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/twcmaster/internal/energy"
	"github.com/shaunagostinho/twcmaster/internal/energylog"
	"github.com/shaunagostinho/twcmaster/internal/twc"
)

// Config holds all controller configuration.
type Config struct {
	RS485   RS485Config   `yaml:"rs485" json:"rs485"`
	Charger ChargerConfig `yaml:"charger" json:"charger"`
	Sources SourcesConfig `yaml:"sources" json:"sources"`
	CarAPI  CarAPIConfig  `yaml:"car_api" json:"carApi"`
	IPC     IPCConfig     `yaml:"ipc" json:"ipc"`

	EnergyLog energylog.Config `yaml:"energy_log" json:"energyLog"`

	// SettingsPath is where the durable key=value settings live.
	SettingsPath string `yaml:"settings_path" json:"settingsPath"`
	DebugLevel   int    `yaml:"debug_level" json:"debugLevel"`
}

type RS485Config struct {
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`
}

type ChargerConfig struct {
	// TWCID and Sign are the identity this controller claims on the bus,
	// as hex strings.
	TWCID string `yaml:"twc_id" json:"twcId"`
	Sign  string `yaml:"sign" json:"sign"`

	WiringMaxAmpsAllTWCs float64 `yaml:"wiring_max_amps_all_twcs" json:"wiringMaxAmpsAllTwcs"`
	WiringMaxAmpsPerTWC  float64 `yaml:"wiring_max_amps_per_twc" json:"wiringMaxAmpsPerTwc"`
	MinAmpsPerTWC        float64 `yaml:"min_amps_per_twc" json:"minAmpsPerTwc"`

	SubtractChargerLoad       bool    `yaml:"subtract_charger_load" json:"subtractChargerLoad"`
	GreenEnergyAmpsOffset     float64 `yaml:"green_energy_amps_offset" json:"greenEnergyAmpsOffset"`
	OnlyChargeMultiCarsAtHome bool    `yaml:"only_charge_multi_cars_at_home" json:"onlyChargeMultiCarsAtHome"`
}

type SourcesConfig struct {
	HASS    energy.HASSConfig    `yaml:"hass" json:"hass"`
	Fronius energy.FroniusConfig `yaml:"fronius" json:"fronius"`
}

type CarAPIConfig struct {
	BaseURL       string `yaml:"base_url" json:"baseUrl"`
	ErrorRetryMin int    `yaml:"error_retry_min" json:"errorRetryMin"`
}

type IPCConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RS485: RS485Config{
			Port: "/dev/ttyUSB0",
			Baud: 9600,
		},
		Charger: ChargerConfig{
			TWCID:                "7777",
			Sign:                 "77",
			WiringMaxAmpsAllTWCs: 6,
			WiringMaxAmpsPerTWC:  6,
			MinAmpsPerTWC:        6,
			SubtractChargerLoad:  false,
		},
		CarAPI: CarAPIConfig{
			ErrorRetryMin: 10,
		},
		IPC: IPCConfig{
			ListenAddr: "127.0.0.1:8745",
		},
		EnergyLog: energylog.Config{
			Enabled:    false,
			Path:       "/var/log/twcmaster",
			IntervalMs: 10000,
		},
		SettingsPath: "/etc/twcmaster/twcmaster.settings",
		DebugLevel:   1,
	}
}

// LoadConfig reads config from a YAML file, then applies environment
// variable overrides. Falls back to defaults if the file is absent.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: TWC_RS485_PORT, TWC_RS485_BAUD, TWC_LISTEN_ADDR,
// TWC_SETTINGS_PATH, TWC_DEBUG_LEVEL.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TWC_RS485_PORT"); v != "" {
		c.RS485.Port = v
	}
	if v := os.Getenv("TWC_RS485_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RS485.Baud = n
		}
	}
	if v := os.Getenv("TWC_LISTEN_ADDR"); v != "" {
		c.IPC.ListenAddr = v
	}
	if v := os.Getenv("TWC_SETTINGS_PATH"); v != "" {
		c.SettingsPath = v
	}
	if v := os.Getenv("TWC_DEBUG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DebugLevel = n
		}
	}
}

// Identity decodes the configured TWC ID and sign.
func (c *Config) Identity() (twc.ID, byte, error) {
	idBytes, err := hex.DecodeString(c.Charger.TWCID)
	if err != nil || len(idBytes) != 2 {
		return twc.ID{}, 0, fmt.Errorf("config: twc_id %q must be 2 hex bytes", c.Charger.TWCID)
	}
	signBytes, err := hex.DecodeString(c.Charger.Sign)
	if err != nil || len(signBytes) != 1 {
		return twc.ID{}, 0, fmt.Errorf("config: sign %q must be 1 hex byte", c.Charger.Sign)
	}
	return twc.ID{idBytes[0], idBytes[1]}, signBytes[0], nil
}
