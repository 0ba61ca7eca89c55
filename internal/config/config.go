package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Browser Browser `yaml:"browser"`

	Pipeline Pipeline `yaml:"pipeline"`

	Sites []Site `yaml:"sites"`
}

// Browser 浏览器驱动相关配置
type Browser struct {
	DevToolsURL    string        `yaml:"devtoolsUrl"`
	LoginTimeout   time.Duration `yaml:"loginTimeout"`
	SettleDelay    time.Duration `yaml:"settleDelay"`
	SettleMax      time.Duration `yaml:"settleMax"`
	CookiePollTick time.Duration `yaml:"cookiePollTick"`
}

// Pipeline 刷新流程配置
type Pipeline struct {
	InterSiteDelay  time.Duration `yaml:"interSiteDelay"`
	ValidateTimeout time.Duration `yaml:"validateTimeout"`
	ReplayTimeout   time.Duration `yaml:"replayTimeout"`
	// Policy 候选选择策略: first 或 best
	Policy string `yaml:"policy"`
}

// Site 单个站点的登录与订阅配置
type Site struct {
	ID               string `yaml:"id"`
	LoginURL         string `yaml:"loginUrl"`
	LoginURLMarker   string `yaml:"loginUrlMarker"`
	PostLoginPattern string `yaml:"postLoginPattern"`
	SuccessSelector  string `yaml:"successSelector"`
	RequestPattern   string `yaml:"requestPattern"`
	CookieName       string `yaml:"cookieName"`
	URLField         string `yaml:"urlField"`
	AuthScheme       string `yaml:"authScheme"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Sqlite.Dsn = "subrefresh.sqlite3"
	cfg.Sqlite.Prefix = "subrefresh_"
	cfg.Log.Level = "info"
	cfg.Log.Writer = []string{"console", "file"}
	cfg.Log.File = "logs/subrefresh.log"
	cfg.Browser = Browser{
		DevToolsURL:    "http://127.0.0.1:9222",
		LoginTimeout:   5 * time.Minute,
		SettleDelay:    2 * time.Second,
		SettleMax:      20 * time.Second,
		CookiePollTick: 500 * time.Millisecond,
	}
	cfg.Pipeline = Pipeline{
		InterSiteDelay:  5 * time.Second,
		ValidateTimeout: 30 * time.Second,
		ReplayTimeout:   30 * time.Second,
		Policy:          "first",
	}
	return cfg
}

// Load 从 YAML 文件加载配置，未设置的字段保留默认值
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验站点配置
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Sites))
	for i, s := range c.Sites {
		if s.ID == "" {
			return fmt.Errorf("sites[%d]: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sites[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.LoginURL == "" {
			return fmt.Errorf("site %s: loginUrl is required", s.ID)
		}
	}
	switch c.Pipeline.Policy {
	case "", "first", "best":
	default:
		return fmt.Errorf("pipeline.policy: unknown value %q", c.Pipeline.Policy)
	}
	return nil
}

// Site 按 ID 查找站点配置
func (c *Config) Site(id string) (Site, bool) {
	for _, s := range c.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return Site{}, false
}
