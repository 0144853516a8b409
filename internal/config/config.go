// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// SSH monitor configuration
	Monitor MonitorConfig `mapstructure:"monitor"`

	// Devices present when the server starts
	Devices []DeviceConfig `mapstructure:"devices"`

	// Windows created under the root when the server starts
	Windows []WindowConfig `mapstructure:"windows"`
}

// ServerConfig contains server-specific settings
type ServerConfig struct {
	SocketPath    string `mapstructure:"socket_path"`    // Empty means /tmp/xigrab-<user>.sock
	MaxClients    int    `mapstructure:"max_clients"`
	OutboundQueue int    `mapstructure:"outbound_queue"` // Events buffered per client before dropping
	EventLog      bool   `mapstructure:"event_log"`      // Log every routed event at debug level
	RootWindow    uint32 `mapstructure:"root_window"`
	ReleaseFile   string `mapstructure:"release_file"` // Creating this file breaks all grabs
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

// MonitorConfig controls the live status view served over SSH
type MonitorConfig struct {
	SSHAddress       string   `mapstructure:"ssh_address"`   // Empty disables the monitor
	SSHHostKeyPath   string   `mapstructure:"ssh_host_key"`  // Generated on first start if missing
	SSHWhitelist     []string `mapstructure:"ssh_whitelist"` // SHA256 key fingerprints
	SSHWhitelistOnly bool     `mapstructure:"ssh_whitelist_only"`
	AllowBreak       bool     `mapstructure:"allow_break"` // Let monitor sessions break grabs
}

// DeviceConfig describes one input device.
type DeviceConfig struct {
	ID       uint16   `mapstructure:"id" yaml:"id"`
	Name     string   `mapstructure:"name" yaml:"name"`
	Use      string   `mapstructure:"use" yaml:"use"`   // master-pointer, master-keyboard, slave-pointer, slave-keyboard, floating
	Caps     []string `mapstructure:"caps" yaml:"caps"` // pointer, keyboard, valuator, touch
	Paired   uint16   `mapstructure:"paired" yaml:"paired"`
	Attached uint16   `mapstructure:"attached" yaml:"attached"`
	Disabled bool     `mapstructure:"disabled" yaml:"disabled"`
}

// WindowConfig describes one window. A zero parent means the root.
type WindowConfig struct {
	ID       uint32 `mapstructure:"id" yaml:"id"`
	Parent   uint32 `mapstructure:"parent" yaml:"parent"`
	Viewable bool   `mapstructure:"viewable" yaml:"viewable"`
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Server: ServerConfig{
			SocketPath:    "",
			MaxClients:    64,
			OutboundQueue: 256,
			EventLog:      false,
			RootWindow:    0x100,
			ReleaseFile:   "/tmp/xigrab-release",
		},
		Logging: LoggingConfig{
			LogLevel: "", // Empty means use LOG_LEVEL env var
		},
		Monitor: MonitorConfig{
			SSHAddress:       "",
			SSHHostKeyPath:   "",
			SSHWhitelist:     []string{},
			SSHWhitelistOnly: true,
			AllowBreak:       false,
		},
		Devices: []DeviceConfig{
			{ID: 2, Name: "Virtual core pointer", Use: "master-pointer", Caps: []string{"pointer"}, Paired: 3},
			{ID: 3, Name: "Virtual core keyboard", Use: "master-keyboard", Caps: []string{"keyboard"}, Paired: 2},
		},
		Windows: []WindowConfig{},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("xigrab")
	viper.SetConfigType("toml")

	// If a specific path is set, use only that
	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/xigrab")
		if home := os.Getenv("HOME"); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".config", "xigrab"))
		}
		viper.AddConfigPath(".")
	}

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("server.socket_path", DefaultConfig.Server.SocketPath)
	viper.SetDefault("server.max_clients", DefaultConfig.Server.MaxClients)
	viper.SetDefault("server.outbound_queue", DefaultConfig.Server.OutboundQueue)
	viper.SetDefault("server.event_log", DefaultConfig.Server.EventLog)
	viper.SetDefault("server.root_window", DefaultConfig.Server.RootWindow)
	viper.SetDefault("server.release_file", DefaultConfig.Server.ReleaseFile)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	viper.SetDefault("monitor.ssh_address", DefaultConfig.Monitor.SSHAddress)
	viper.SetDefault("monitor.ssh_host_key", DefaultConfig.Monitor.SSHHostKeyPath)
	viper.SetDefault("monitor.ssh_whitelist", DefaultConfig.Monitor.SSHWhitelist)
	viper.SetDefault("monitor.ssh_whitelist_only", DefaultConfig.Monitor.SSHWhitelistOnly)
	viper.SetDefault("monitor.allow_break", DefaultConfig.Monitor.AllowBreak)

	viper.SetDefault("devices", DefaultConfig.Devices)
	viper.SetDefault("windows", DefaultConfig.Windows)

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	c, err := load()
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

func load() (*Config, error) {
	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Validate checks the device and window tables for ids the server would
// reject.
func (c *Config) Validate() error {
	if c.Server.RootWindow == 0 {
		return fmt.Errorf("server.root_window must not be 0")
	}

	devices := make(map[uint16]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID < 2 {
			return fmt.Errorf("device %q: ids 0 and 1 are reserved", d.Name)
		}
		if devices[d.ID] {
			return fmt.Errorf("device %d listed twice", d.ID)
		}
		devices[d.ID] = true
	}
	for _, d := range c.Devices {
		if d.Paired != 0 && !devices[d.Paired] {
			return fmt.Errorf("device %d: paired device %d not listed", d.ID, d.Paired)
		}
		if d.Attached != 0 && !devices[d.Attached] {
			return fmt.Errorf("device %d: attached to unlisted device %d", d.ID, d.Attached)
		}
	}

	windows := map[uint32]bool{c.Server.RootWindow: true}
	for _, w := range c.Windows {
		if w.ID == 0 || windows[w.ID] {
			return fmt.Errorf("window 0x%x: duplicate or zero id", w.ID)
		}
		if w.Parent != 0 && !windows[w.Parent] {
			return fmt.Errorf("window 0x%x: parent 0x%x must be listed before it", w.ID, w.Parent)
		}
		windows[w.ID] = true
	}
	return nil
}

// Watch re-reads the config file whenever it changes and hands the new
// config to onChange. Invalid edits are reported and the old config is kept.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		cfg = c
		if onChange != nil {
			onChange(c)
		}
	})
	viper.WatchConfig()
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) && strings.Contains(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	if os.Getuid() == 0 {
		return "/etc/xigrab/xigrab.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/xigrab/xigrab.toml"
	}

	return filepath.Join(home, ".config", "xigrab", "xigrab.toml")
}

// AddDevice adds or replaces a device in the configuration
func AddDevice(dev DeviceConfig) error {
	c := Get()

	next := *c
	next.Devices = append([]DeviceConfig(nil), c.Devices...)
	replaced := false
	for i, d := range next.Devices {
		if d.ID == dev.ID {
			next.Devices[i] = dev
			replaced = true
		}
	}
	if !replaced {
		next.Devices = append(next.Devices, dev)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	cfg = &next
	viper.Set("devices", next.Devices)
	return Save()
}

// RemoveDevice removes a device from the configuration
func RemoveDevice(id uint16) error {
	c := Get()

	for i, d := range c.Devices {
		if d.ID == id {
			next := *c
			next.Devices = append(append([]DeviceConfig(nil), c.Devices[:i]...), c.Devices[i+1:]...)
			if err := next.Validate(); err != nil {
				return err
			}
			cfg = &next
			viper.Set("devices", next.Devices)
			return Save()
		}
	}

	return fmt.Errorf("device %d not found", id)
}

// GetSSHHostKeyPath returns the monitor host key path, defaulting to a file
// next to the config file.
func GetSSHHostKeyPath() string {
	if p := Get().Monitor.SSHHostKeyPath; p != "" {
		return expandPath(p)
	}
	return filepath.Join(filepath.Dir(GetConfigPath()), "ssh_host_ed25519")
}

// AddSSHKeyToWhitelist whitelists a key fingerprint for the monitor
func AddSSHKeyToWhitelist(fingerprint string) error {
	c := Get()
	for _, fp := range c.Monitor.SSHWhitelist {
		if fp == fingerprint {
			return nil
		}
	}

	next := *c
	next.Monitor.SSHWhitelist = append(append([]string(nil), c.Monitor.SSHWhitelist...), fingerprint)
	cfg = &next
	viper.Set("monitor.ssh_whitelist", next.Monitor.SSHWhitelist)
	return Save()
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
