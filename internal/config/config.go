package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"a2aflow/internal/domain"
)

const FileName = "a2aflow.yml"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Backend kinds.
const (
	BackendEcho   = "echo"
	BackendOpenAI = "openai"
)

// Worker kinds map to the executor variants.
const (
	KindCreativeSynthesis = "creative-synthesis"
	KindFactCheck         = "fact-check"
	KindEcho              = "echo"
)

// Config models a2aflow.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Store struct {
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path,omitempty"`
		MaxTasks int    `yaml:"max_tasks,omitempty"`
	} `yaml:"store"`
	Broker struct {
		Capacity    int      `yaml:"capacity"`
		QueueSize   int      `yaml:"queue_size"`
		TaskTimeout Duration `yaml:"task_timeout"`
		CancelGrace Duration `yaml:"cancel_grace"`
	} `yaml:"broker"`
	Backends     map[string]BackendConfig `yaml:"backends"`
	Workers      []WorkerConfig           `yaml:"workers"`
	Orchestrator struct {
		Roles struct {
			Creative string `yaml:"creative"`
			Factual  string `yaml:"factual"`
		} `yaml:"roles"`
		Debate struct {
			MaxRounds  int     `yaml:"max_rounds"`
			Similarity float64 `yaml:"similarity"`
		} `yaml:"debate"`
	} `yaml:"orchestrator"`
	Client struct {
		PollInterval Duration `yaml:"poll_interval"`
		MaxAttempts  int      `yaml:"max_attempts"`
	} `yaml:"client"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type BackendConfig struct {
	Kind string `yaml:"kind"`
	// BaseURL of an OpenAI-compatible API.
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	APIVersion  string   `yaml:"api_version,omitempty"`
	Temperature float32  `yaml:"temperature,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	// Prefix and Delay apply to the echo backend.
	Prefix string   `yaml:"prefix,omitempty"`
	Delay  Duration `yaml:"delay,omitempty"`
}

// APIKey resolves the key from the environment.
func (b BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

type WorkerConfig struct {
	Capability string `yaml:"capability"`
	Kind       string `yaml:"kind"`
	Backend    string `yaml:"backend,omitempty"`
	Replicas   int    `yaml:"replicas,omitempty"`
	// KnowledgeDir feeds the fact-check retriever.
	KnowledgeDir string `yaml:"knowledge_dir,omitempty"`
	TopK         int    `yaml:"top_k,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	States         []string `yaml:"states,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Duration reads and writes Go duration strings such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" || raw == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with a2aflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("config.store.driver must be %q or %q", DriverMemory, DriverSQLite)
	}
	if c.Store.MaxTasks < 0 {
		return fmt.Errorf("config.store.max_tasks must not be negative")
	}
	if c.Broker.Capacity <= 0 {
		return fmt.Errorf("config.broker.capacity must be positive")
	}
	if c.Broker.QueueSize < 0 {
		return fmt.Errorf("config.broker.queue_size must not be negative")
	}
	if c.Broker.TaskTimeout.Duration < 0 || c.Broker.CancelGrace.Duration < 0 {
		return fmt.Errorf("config.broker durations must not be negative")
	}
	for name, b := range c.Backends {
		if name == "" {
			return fmt.Errorf("config.backends contains empty name")
		}
		switch b.Kind {
		case BackendEcho:
		case BackendOpenAI:
			if strings.TrimSpace(b.Model) == "" {
				return fmt.Errorf("backend %s requires model", name)
			}
		default:
			return fmt.Errorf("backend %s has unknown kind %q", name, b.Kind)
		}
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("config.workers must register at least one worker")
	}
	for i, w := range c.Workers {
		if w.Capability == "" {
			return fmt.Errorf("config.workers[%d].capability is required", i)
		}
		switch w.Kind {
		case KindCreativeSynthesis, KindFactCheck:
			if _, ok := c.Backends[w.Backend]; !ok {
				return fmt.Errorf("worker %s references unknown backend %q", w.Capability, w.Backend)
			}
		case KindEcho:
		default:
			return fmt.Errorf("worker %s has unknown kind %q", w.Capability, w.Kind)
		}
		if w.Replicas < 0 || w.TopK < 0 {
			return fmt.Errorf("worker %s: replicas and top_k must not be negative", w.Capability)
		}
	}
	if c.Orchestrator.Debate.MaxRounds <= 0 {
		return fmt.Errorf("config.orchestrator.debate.max_rounds must be positive")
	}
	if s := c.Orchestrator.Debate.Similarity; s <= 0 || s > 1 {
		return fmt.Errorf("config.orchestrator.debate.similarity must be in (0, 1]")
	}
	if c.Client.MaxAttempts < 0 || c.Client.PollInterval.Duration < 0 {
		return fmt.Errorf("config.client values must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, st := range hook.States {
			if s := domain.State(st); !s.Valid() || !s.Terminal() {
				return fmt.Errorf("config.webhooks[%d] state %q is not a terminal state", i, st)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration: in-memory store and echo
// backed workers for every capability.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// lists replace rather than merge
	cfg.Workers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080

store:
  driver: memory

broker:
  capacity: 4
  queue_size: 0
  task_timeout: 2m
  cancel_grace: 5s

backends:
  local:
    kind: echo
  openai:
    kind: openai
    base_url: https://api.openai.com/v1
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
    temperature: 0.7
    timeout: 60s

workers:
  - capability: creative-synthesis
    kind: creative-synthesis
    backend: local
  - capability: fact-check
    kind: fact-check
    backend: local
    top_k: 3
  - capability: echo
    kind: echo

orchestrator:
  roles:
    creative: creative-synthesis
    factual: fact-check
  debate:
    max_rounds: 3
    similarity: 0.85

client:
  poll_interval: 1s
  max_attempts: 300
`
