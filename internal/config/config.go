package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	PusherPath   string        `yaml:"pusher_path"`
	ObserverPath string        `yaml:"observer_path"`
	DirectorPath string        `yaml:"director_path"`
	Token        string        `yaml:"token"`
	Formats      []string      `yaml:"formats"`
	Format       string        `yaml:"default_format"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	DiscardPush  bool          `yaml:"discard_push_errors"`
}

type SessionConfig struct {
	App        string `yaml:"app"`
	HostName   string `yaml:"host_name"`
	LinkClient *bool  `yaml:"link_client"`
}

type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	linkClient := true
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:8192",
			Formats:     []string{"json", "cbor", "msgpack"},
			Format:      "json",
			AuthTimeout: 3 * time.Second,
		},
		Session: SessionConfig{
			App:        "tracegate",
			HostName:   "host",
			LinkClient: &linkClient,
		},
		Store: StoreConfig{
			Path: "tracegate.db",
		},
	}
}

// LinkClientEnabled reports the link_client setting with its default
// of true when the file leaves it unset.
func (s SessionConfig) LinkClientEnabled() bool {
	if s.LinkClient == nil {
		return true
	}
	return *s.LinkClient
}
