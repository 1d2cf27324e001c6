package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WEBPILOT_BROWSER_TYPE.
const EnvPrefix = "WEBPILOT"

type Config struct {
	App       AppConfig                 `mapstructure:"app" json:"app"`
	Gateways  map[string]GatewayConfig  `mapstructure:"gateways" json:"gateways"`
	Providers map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
	Memory    MemoryConfig              `mapstructure:"memory" json:"memory"`
	Logger    LoggerConfig              `mapstructure:"logger" json:"logger"`
	Browser   BrowserConfig             `mapstructure:"browser" json:"browser"`
	Task      TaskConfig                `mapstructure:"task" json:"task"`
	Search    SearchConfig              `mapstructure:"search" json:"search"`
	Prompts   PromptsConfig             `mapstructure:"prompts" json:"prompts"`
	Policy    PolicyConfig              `mapstructure:"policy" json:"policy"`
}

type AppConfig struct {
	Name        string `mapstructure:"name" json:"name"`
	Workspace   string `mapstructure:"workspace" json:"workspace"`
	ArtifactDir string `mapstructure:"artifact_dir" json:"artifact_dir"`
}

type GatewayConfig struct {
	Token   string `mapstructure:"token" json:"token"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	// AllowedChats restricts who may run tasks. Empty allows everyone.
	AllowedChats []int64 `mapstructure:"allowed_chats" json:"allowed_chats,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	Model   string `mapstructure:"model" json:"model"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

// MemoryConfig selects the session memory backend: "none", "json" or "sqlite".
type MemoryConfig struct {
	Type    string `mapstructure:"type" json:"type"`
	Path    string `mapstructure:"path" json:"path"`
	Persist bool   `mapstructure:"persist" json:"persist"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	Format      string `mapstructure:"format" json:"format"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	LogFile     string `mapstructure:"log_file" json:"log_file"`
	LLMLogFile  string `mapstructure:"llm_log_file" json:"llm_log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress"`
}

type BrowserConfig struct {
	Type            string        `mapstructure:"type" json:"type"`
	Headless        bool          `mapstructure:"headless" json:"headless"`
	ExecPath        string        `mapstructure:"exec_path" json:"exec_path,omitempty"`
	NoSandbox       bool          `mapstructure:"no_sandbox" json:"no_sandbox"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" json:"launch_timeout"`
	MaxContentBytes int           `mapstructure:"max_content_bytes" json:"max_content_bytes"`
}

type TaskConfig struct {
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout" json:"navigate_timeout"`
	StepTimeout     time.Duration `mapstructure:"step_timeout" json:"step_timeout"`
	MaxRetries      int           `mapstructure:"max_retries" json:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" json:"max_delay"`
	ParseTimeout    time.Duration `mapstructure:"parse_timeout" json:"parse_timeout"`
	OutputFormat    string        `mapstructure:"output_format" json:"output_format"`
	Concurrency     int           `mapstructure:"concurrency" json:"concurrency"`
}

type SearchConfig struct {
	URL            string `mapstructure:"url" json:"url"`
	ResultSelector string `mapstructure:"result_selector" json:"result_selector"`
	SubmitSelector string `mapstructure:"submit_selector" json:"submit_selector"`
}

type PromptsConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

type PolicyConfig struct {
	DeniedActions  []string `mapstructure:"denied_actions" json:"denied_actions,omitempty"`
	DeniedTargets  []string `mapstructure:"denied_targets" json:"denied_targets,omitempty"`
	DeniedPatterns []string `mapstructure:"denied_patterns" json:"denied_patterns,omitempty"`
	AllowedHosts   []string `mapstructure:"allowed_hosts" json:"allowed_hosts,omitempty"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "webpilot")
	v.SetDefault("app.workspace", ".webpilot")
	v.SetDefault("app.artifact_dir", ".webpilot/artifacts")

	v.SetDefault("memory.type", "json")
	v.SetDefault("memory.path", ".webpilot/memory.json")
	v.SetDefault("memory.persist", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.llm_log_file", "logs/llm.jsonl")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", false)

	v.SetDefault("browser.type", "chromium")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.launch_timeout", 60*time.Second)
	v.SetDefault("browser.max_content_bytes", 8<<20)

	v.SetDefault("task.navigate_timeout", 60*time.Second)
	v.SetDefault("task.step_timeout", 30*time.Second)
	v.SetDefault("task.max_retries", 2)
	v.SetDefault("task.base_delay", 500*time.Millisecond)
	v.SetDefault("task.max_delay", 8*time.Second)
	v.SetDefault("task.parse_timeout", 15*time.Second)
	v.SetDefault("task.output_format", "json")
	v.SetDefault("task.concurrency", 2)

	v.SetDefault("search.url", "https://html.duckduckgo.com/html/?q=%s")
	v.SetDefault("search.result_selector", ".result, .search-result, .product-item, .item")
	v.SetDefault("search.submit_selector", `button[type="submit"], input[type="submit"]`)

	v.SetDefault("prompts.dir", "prompts")

	v.SetDefault("policy.denied_actions", []string{})
	v.SetDefault("policy.denied_targets", []string{})
	v.SetDefault("policy.denied_patterns", []string{})
	v.SetDefault("policy.allowed_hosts", []string{})
}

// NewViper returns a viper instance with defaults and WEBPILOT_ env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// LoadConfig reads path (yaml or json) or, when path is empty, ./config.*
// if present. Environment variables override both.
func LoadConfig(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields the rest of the program relies on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Memory.Type) {
	case "", "none":
	case "json", "sqlite":
		if strings.TrimSpace(c.Memory.Path) == "" {
			return fmt.Errorf("memory.path is required for %s memory", c.Memory.Type)
		}
	default:
		return fmt.Errorf("memory.type %q is not one of none, json, sqlite", c.Memory.Type)
	}
	switch strings.ToLower(c.Browser.Type) {
	case "", "chromium", "chrome", "firefox", "webkit":
	default:
		return fmt.Errorf("browser.type %q is not one of chromium, firefox, webkit", c.Browser.Type)
	}
	switch strings.ToLower(c.Task.OutputFormat) {
	case "", "json", "csv":
	default:
		return fmt.Errorf("task.output_format %q is not one of json, csv", c.Task.OutputFormat)
	}
	if c.Task.MaxRetries < 0 {
		return errors.New("task.max_retries must not be negative")
	}
	if c.Task.Concurrency < 1 {
		return errors.New("task.concurrency must be at least 1")
	}
	if !strings.Contains(c.Search.URL, "%s") {
		return errors.New("search.url must contain a %s placeholder")
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider, by name.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled {
		return tg, true
	}
	return GatewayConfig{}, false
}
