package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	// FormatAnthropic identifies providers speaking the Anthropic Messages API.
	// Requests to these providers are passed through with transport-level rewrites only.
	FormatAnthropic = "anthropic"
	// FormatOpenAI identifies providers speaking the OpenAI Chat Completions API.
	FormatOpenAI = "openai"
)

const (
	DefaultListen             = ":8080"
	DefaultSubagentHeader     = "X-Airouter-Subagent"
	DefaultAnthropicVersion   = "2023-06-01"
	DefaultMaxRetries         = 3
	DefaultInitialBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff         = 10 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultFailureThreshold   = 5
	DefaultCircuitOpenTimeout = 30 * time.Second
)

// CircuitBreaker configures the per-provider circuit breaker.
type CircuitBreaker struct {
	Enabled bool `yaml:"enabled"`
	// FailureThreshold is the number of consecutive failed calls which opens the circuit.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// Timeout is how long the circuit stays open before a single trial call is let through.
	Timeout time.Duration `yaml:"timeout"`
}

// Provider identifies one upstream chat-completion backend.
type Provider struct {
	Format  string `yaml:"format"`
	BaseURL string `yaml:"base_url"`
	// Key, when set, replaces whatever credentials the client sent.
	Key string `yaml:"api_key"`
	// Version is the protocol version header value sent when the client did not send one.
	Version string `yaml:"version"`

	// MaxRetries is a pointer so an explicit zero ("never retry") survives defaulting.
	MaxRetries        *int          `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`

	// Fallback names another provider, optionally with a model, using the
	// "<provider>:<model>" convention.
	Fallback string `yaml:"fallback"`

	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
}

// Retries returns the configured retry budget.
func (p Provider) Retries() int {
	if p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

type Config struct {
	Listen          string              `yaml:"listen"`
	DefaultProvider string              `yaml:"default_provider"`
	Providers       map[string]Provider `yaml:"providers"`
	// Subagents maps a subagent identity to a "<provider>:<model>" target.
	Subagents map[string]string `yaml:"subagents"`

	// SubagentHeader is the request header carrying the subagent identity.
	SubagentHeader string `yaml:"subagent_header"`
	// SubagentTag, if set, is an XML-style marker (<TAG>identity</TAG>) searched for
	// in the system prompt when no header is present.
	SubagentTag string `yaml:"subagent_tag"`

	// LogStore is the path of the sqlite database request/response envelopes are written to.
	LogStore string `yaml:"log_store"`
	// DumpDir enables dumping raw upstream requests and responses to files.
	DumpDir string `yaml:"dump_dir"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero values. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.SubagentHeader == "" {
		c.SubagentHeader = DefaultSubagentHeader
	}

	for name, p := range c.Providers {
		p.Format = strings.ToLower(strings.TrimSpace(p.Format))
		if p.Format == "" {
			p.Format = FormatAnthropic
		}
		if p.Version == "" && p.Format == FormatAnthropic {
			p.Version = DefaultAnthropicVersion
		}
		if p.Key == "" {
			switch p.Format {
			case FormatAnthropic:
				p.Key = os.Getenv("ANTHROPIC_API_KEY")
			case FormatOpenAI:
				p.Key = os.Getenv("OPENAI_API_KEY")
			}
		}
		if p.InitialBackoff <= 0 {
			p.InitialBackoff = DefaultInitialBackoff
		}
		if p.MaxBackoff <= 0 {
			p.MaxBackoff = DefaultMaxBackoff
		}
		if p.BackoffMultiplier <= 0 {
			p.BackoffMultiplier = DefaultBackoffMultiplier
		}
		if p.CircuitBreaker.Enabled {
			if p.CircuitBreaker.FailureThreshold == 0 {
				p.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
			}
			if p.CircuitBreaker.Timeout <= 0 {
				p.CircuitBreaker.Timeout = DefaultCircuitOpenTimeout
			}
		}
		c.Providers[name] = p
	}
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	var errs error

	if len(c.Providers) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no providers configured"))
	}

	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		errs = multierror.Append(errs, fmt.Errorf("default provider %q is not configured", c.DefaultProvider))
	}

	for name, p := range c.Providers {
		if name == "" || strings.Contains(name, ":") {
			errs = multierror.Append(errs, fmt.Errorf("provider name %q must be non-empty and must not contain ':'", name))
		}
		switch p.Format {
		case FormatAnthropic, FormatOpenAI:
		default:
			errs = multierror.Append(errs, fmt.Errorf("provider %q: unknown format %q", name, p.Format))
		}
		if p.BaseURL == "" {
			errs = multierror.Append(errs, fmt.Errorf("provider %q: base_url is required", name))
		}
		if p.Retries() < 0 {
			errs = multierror.Append(errs, fmt.Errorf("provider %q: max_retries must not be negative", name))
		}
		if p.MaxBackoff < p.InitialBackoff {
			errs = multierror.Append(errs, fmt.Errorf("provider %q: max_backoff (%s) is less than initial_backoff (%s)", name, p.MaxBackoff, p.InitialBackoff))
		}
		if p.Fallback != "" {
			fb, _ := SplitTarget(p.Fallback)
			if _, ok := c.Providers[fb]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("provider %q: fallback provider %q is not configured", name, fb))
			}
		}
	}

	for identity, target := range c.Subagents {
		provider, model := SplitTarget(target)
		if model == "" {
			errs = multierror.Append(errs, fmt.Errorf("subagent %q: target %q must be of the form <provider>:<model>", identity, target))
			continue
		}
		if _, ok := c.Providers[provider]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("subagent %q: provider %q is not configured", identity, provider))
		}
	}

	if err := c.checkFallbackCycles(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs
}

// FallbackChain returns the names of the providers which will be tried, in order,
// after the named provider. It stops at the first repeated provider.
func (c *Config) FallbackChain(name string) []string {
	var chain []string
	seen := map[string]bool{name: true}
	for {
		p, ok := c.Providers[name]
		if !ok || p.Fallback == "" {
			return chain
		}
		next, _ := SplitTarget(p.Fallback)
		if seen[next] {
			return chain
		}
		seen[next] = true
		chain = append(chain, next)
		name = next
	}
}

func (c *Config) checkFallbackCycles() error {
	for name := range c.Providers {
		seen := map[string]bool{}
		cur := name
		for cur != "" {
			if seen[cur] {
				return fmt.Errorf("provider %q: fallback chain contains a cycle", name)
			}
			seen[cur] = true
			p, ok := c.Providers[cur]
			if !ok || p.Fallback == "" {
				break
			}
			cur, _ = SplitTarget(p.Fallback)
		}
	}
	return nil
}

// SplitTarget splits a "<provider>:<model>" string at its first colon. The model
// part may itself contain separators (e.g. "openrouter:anthropic/claude-sonnet-4"
// or "ollama:qwen3:8b"). A string with no colon is returned as the provider with
// an empty model.
func SplitTarget(s string) (provider, model string) {
	provider, model, _ = strings.Cut(s, ":")
	return provider, model
}
