// Package config loads the daemon's runtime configuration: general
// settings from environment/file via viper, plus the legacy per-reader
// stanza file (reader.conf) neither viper nor any library in reach
// parses, so that format is hand-rolled below.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon's top-level runtime configuration.
type Config struct {
	// SocketPath is the Unix listen socket (internal/transport.SocketPath
	// by default).
	SocketPath string `mapstructure:"socket_path"`

	// ReaderConfPath is the legacy static reader-list file, parsed by
	// ParseReaderConf.
	ReaderConfPath string `mapstructure:"reader_conf_path"`

	// HotplugDropDir is watched by internal/hotplug's FsnotifySource for
	// device-bundle descriptors; empty disables fsnotify-based hotplug.
	HotplugDropDir string `mapstructure:"hotplug_drop_dir"`

	// ShutdownTimeout bounds how long the daemon waits, after
	// SIGTERM/SIGINT/SIGQUIT, for Serve to drain in-flight clients and
	// return before it shuts down anyway.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// LogLevel is one of the zerolog level names (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr, when non-empty, is the listen address for the
	// Prometheus /metrics HTTP endpoint (e.g. ":9090").
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// defaults mirrors pcsclite's compiled-in constants where the spec names
// one, and otherwise picks a sane daemon default.
func defaults() Config {
	return Config{
		SocketPath:      "/var/run/pcscd/pcscd.comm",
		ReaderConfPath:  "/etc/pcscd/reader.conf",
		HotplugDropDir:  "",
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		MetricsAddr:     "",
	}
}

// Load reads configuration from environment variables (PCSCLITE_*) and,
// if present, a config file at path (empty uses viper's default search:
// ./pcscd.yaml, /etc/pcscd/pcscd.yaml).
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := defaults()

	v.SetEnvPrefix("PCSCLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("reader_conf_path", cfg.ReaderConfPath)
	v.SetDefault("hotplug_drop_dir", cfg.HotplugDropDir)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pcscd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/pcscd")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// ReaderStanza is one parsed record from the legacy reader.conf format
// described in spec.md §6: "FRIENDLYNAME \"name\" / DEVICENAME /dev/path
// / LIBPATH /path/to/driver.so / CHANNELID 0xNNNN".
type ReaderStanza struct {
	FriendlyName string
	DeviceName   string
	LibPath      string
	ChannelID    uint32
}

// ParseReaderConf parses the legacy stanza file at path. A missing or
// unreadable file is not an error per spec.md §6 ("the daemon simply
// starts with an empty static set"); it returns (nil, nil) in that case.
func ParseReaderConf(path string) ([]ReaderStanza, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}
	defer f.Close()

	var stanzas []ReaderStanza
	var cur ReaderStanza
	have := false

	flush := func() {
		if have && cur.FriendlyName != "" {
			stanzas = append(stanzas, cur)
		}
		cur = ReaderStanza{}
		have = false
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitStanzaLine(line)
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case "FRIENDLYNAME":
			flush()
			cur.FriendlyName = unquote(value)
			have = true
		case "DEVICENAME":
			cur.DeviceName = unquote(value)
		case "LIBPATH":
			cur.LibPath = unquote(value)
		case "CHANNELID":
			id, perr := parseChannelID(value)
			if perr == nil {
				cur.ChannelID = id
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read reader.conf: %w", err)
	}
	return stanzas, nil
}

func splitStanzaLine(line string) (key, value string, ok bool) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], strings.TrimSpace(fields[1]), true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func parseChannelID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
