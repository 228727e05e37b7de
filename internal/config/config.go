// Package config loads and validates the medusa configuration file. A
// configuration comes from a YAML document with unknown keys rejected, then
// MEDUSA_* environment variables layered on top, then validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"github.com/medusa-proxy/medusa/internal/model"
)

type ConfigError struct {
	AppError model.AppError
	Cause    error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Duration is time.Duration with "30s"-style YAML and env parsing.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

const (
	DefaultBackend = "glider"
	DefaultOutput  = "glider.conf"
	DefaultWorkers = 4
	DefaultTimeout = Duration(30 * time.Second)
	DefaultRetries = 3
)

// Config is the runtime configuration after defaults, file, environment and
// validation. Subscriptions is the only key without a default.
type Config struct {
	Subscriptions []string `yaml:"subscriptions" env:"MEDUSA_SUBSCRIPTIONS" envSeparator:","`

	Backend string `yaml:"backend" env:"MEDUSA_BACKEND"`
	Output  string `yaml:"output" env:"MEDUSA_OUTPUT"`

	// Template is an optional file prepended verbatim to the rendered output.
	Template string `yaml:"template" env:"MEDUSA_TEMPLATE"`

	Workers int      `yaml:"workers" env:"MEDUSA_WORKERS"`
	Timeout Duration `yaml:"timeout" env:"MEDUSA_TIMEOUT"`
	Retries int      `yaml:"retries" env:"MEDUSA_RETRIES"`

	IncludeFilter string `yaml:"include-filter" env:"MEDUSA_INCLUDE_FILTER"`
	ExcludeFilter string `yaml:"exclude-filter" env:"MEDUSA_EXCLUDE_FILTER"`

	include *regexp2.Regexp
	exclude *regexp2.Regexp
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_READ_ERROR",
				Message: fmt.Sprintf("无法读取配置文件：%s", path),
				Stage:   "config",
			},
			Cause: err,
		}
	}
	return Parse(string(content))
}

// Parse builds a Config from YAML content. Environment overrides are applied
// after the document is decoded, before validation.
func Parse(content string) (*Config, error) {
	cfg := &Config{
		Backend: DefaultBackend,
		Output:  DefaultOutput,
		Workers: DefaultWorkers,
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
	}

	if err := yamlDecodeStrict(content, cfg); err != nil {
		return nil, &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_PARSE_ERROR",
				Message: "配置文件 YAML 解析失败",
				Stage:   "config",
				Snippet: truncateSnippet(content, 200),
			},
			Cause: err,
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_PARSE_ERROR",
				Message: "环境变量覆盖解析失败",
				Stage:   "config",
			},
			Cause: err,
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Duration(0)): func(v string) (any, error) {
				d, err := time.ParseDuration(v)
				return Duration(d), err
			},
		},
	})
}

func (c *Config) validate() error {
	if len(c.Subscriptions) == 0 {
		return &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "subscriptions 不能为空",
				Stage:   "config",
				Hint:    "expected: subscriptions: [https://example.com/sub]",
			},
		}
	}
	for _, s := range c.Subscriptions {
		if err := validateHTTPURL(s); err != nil {
			return &ConfigError{
				AppError: model.AppError{
					Code:    "CONFIG_VALIDATE_ERROR",
					Message: "订阅链接不合法",
					Stage:   "config",
					Snippet: s,
				},
				Cause: err,
			}
		}
	}

	if c.Workers < 1 {
		return &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "workers 必须为正整数",
				Stage:   "config",
			},
		}
	}
	if c.Retries < 1 {
		return &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "retries 必须为正整数",
				Stage:   "config",
			},
		}
	}
	if c.Timeout <= 0 {
		return &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "timeout 必须为正时长",
				Stage:   "config",
				Hint:    "expected: timeout: 30s",
			},
		}
	}

	var err error
	if c.include, err = compileFilter(c.IncludeFilter); err != nil {
		return &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "include-filter 正则不可编译",
				Stage:   "config",
				Snippet: c.IncludeFilter,
			},
			Cause: err,
		}
	}
	if c.exclude, err = compileFilter(c.ExcludeFilter); err != nil {
		return &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_VALIDATE_ERROR",
				Message: "exclude-filter 正则不可编译",
				Stage:   "config",
				Snippet: c.ExcludeFilter,
			},
			Cause: err,
		}
	}
	return nil
}

// Filters returns the compiled name filters; either may be nil.
func (c *Config) Filters() (include, exclude *regexp2.Regexp) {
	return c.include, c.exclude
}

// compileFilter compiles pattern with regexp2, so feed-style patterns with
// lookarounds (e.g. "^(?!.*expire)") keep working. A match timeout bounds
// pathological patterns.
func compileFilter(pattern string) (*regexp2.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = time.Second
	return re, nil
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http/https")
	}
	return nil
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
