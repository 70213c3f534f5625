package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models docflow.yml.
type Config struct {
	Storage struct {
		// Backend selects the document store: fsmarkdown or sqlite.
		Backend string `yaml:"backend"`
		// BaseDir is the document root for fsmarkdown and the directory
		// holding docflow.db for sqlite.
		BaseDir string `yaml:"base_dir"`
	} `yaml:"storage"`
	Definitions struct {
		// Paths are searched in order; later paths override earlier ones
		// when a definition name appears more than once.
		Paths []string `yaml:"paths"`
	} `yaml:"definitions"`
	Orchestrator struct {
		BaseURL string `yaml:"base_url"`
		// APIKeyEnv names the environment variable holding the API key.
		// The key itself never lives in the config file.
		APIKeyEnv      string `yaml:"api_key_env"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"orchestrator"`
	Server struct {
		Listen string `yaml:"listen"`
		// JWTSecretEnv names the environment variable holding the JWT
		// signing secret, like Orchestrator.APIKeyEnv.
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "docflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with df init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fsmarkdown", "sqlite":
	case "":
		return fmt.Errorf("config.storage.backend is required")
	default:
		return fmt.Errorf("config.storage.backend must be fsmarkdown or sqlite, got %q", c.Storage.Backend)
	}
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("config.storage.base_dir is required")
	}
	for i, p := range c.Definitions.Paths {
		if p == "" {
			return fmt.Errorf("config.definitions.paths[%d] is empty", i)
		}
	}
	if c.Orchestrator.TimeoutSeconds < 0 {
		return fmt.Errorf("config.orchestrator.timeout_seconds must not be negative")
	}
	return nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `storage:
  backend: fsmarkdown
  base_dir: data

definitions:
  paths:
    - stages

orchestrator:
  base_url: http://localhost:8080/api
  api_key_env: DOCFLOW_ORCHESTRATOR_KEY
  timeout_seconds: 10

server:
  listen: 127.0.0.1:7420
  jwt_secret_env: DOCFLOW_JWT_SECRET
`
