package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig represents the server configuration
type ServerConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	Tokens      []string `yaml:"tokens"`
	ProfilesDir string   `yaml:"profiles_dir"`
	LogLevel    string   `yaml:"log_level"`
}

// LoadServerConfig loads the server configuration from server-config.yaml
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var config ServerConfig
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *ServerConfig) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(c.ProfilesDir) == "" {
		return errors.New("profiles_dir is required")
	}
	tokens := c.Tokens[:0]
	for _, t := range c.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return errors.New("at least one token is required")
	}
	c.Tokens = tokens
	return nil
}
