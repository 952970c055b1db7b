package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StoreSQLite   = "sqlite"
	StoreSupabase = "supabase"

	ProviderNone             = "none"
	ProviderResponses        = "responses"
	ProviderSupabaseFunction = "supabase_function"
)

type Config struct {
	Environment string           `toml:"environment"`
	Log         LogConfig        `toml:"log"`
	Store       StoreConfig      `toml:"store"`
	Supabase    SupabaseConfig   `toml:"supabase"`
	Completion  CompletionConfig `toml:"completion"`
	Builder     BuilderConfig    `toml:"builder"`
	Chat        ChatConfig       `toml:"chat"`
	Server      ServerConfig     `toml:"server"`
	Raw         map[string]any   `toml:"-"`
	Path        string           `toml:"-"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	DBPath string `toml:"db_path"`
}

type SupabaseConfig struct {
	URL            string `toml:"url"`
	Key            string `toml:"key"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

type CompletionConfig struct {
	Provider        string `toml:"provider"`
	Endpoint        string `toml:"endpoint"`
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`
	AuthToken       string `toml:"auth_token"`
	FunctionName    string `toml:"function_name"`
	TimeoutMS       int    `toml:"timeout_ms"`
	Retries         int    `toml:"retries"`
}

type BuilderConfig struct {
	HistoryLimit  int    `toml:"history_limit"`
	WorkspaceRoot string `toml:"workspace_root"`
}

type ChatConfig struct {
	MemoryWindow        int    `toml:"memory_window"`
	DefaultSystemPrompt string `toml:"default_system_prompt"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	UserID         string   `toml:"user_id"`
}

// Default returns the settings used when no config file exists.
func Default() Config {
	return Config{
		Environment: "development",
		Log:         LogConfig{Level: "info"},
		Store:       StoreConfig{Driver: StoreSQLite, DBPath: "~/.agent_builder/agent_builder.db"},
		Supabase:    SupabaseConfig{PollIntervalMS: 1500},
		Completion: CompletionConfig{
			Provider:     ProviderNone,
			Model:        "gemini-2.0-flash",
			FunctionName: "generate-response",
			TimeoutMS:    120000,
			Retries:      2,
		},
		Builder: BuilderConfig{HistoryLimit: 200, WorkspaceRoot: "."},
		Chat: ChatConfig{
			MemoryWindow:        10,
			DefaultSystemPrompt: "You are a helpful AI assistant.",
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
			UserID:         "local",
		},
	}
}

// Load reads a TOML file over the defaults. An empty path means the default
// location, and a missing default file is not an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = DefaultPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg.Path = resolved
			return cfg.normalize()
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg.normalize()
}

func (c Config) normalize() (Config, error) {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Completion.Provider = strings.ToLower(strings.TrimSpace(c.Completion.Provider))
	if c.Completion.Provider == "" {
		c.Completion.Provider = ProviderNone
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.DBPath) == "" {
			return Config{}, fmt.Errorf("store.db_path is required for the sqlite driver")
		}
		p, err := ExpandHome(c.Store.DBPath)
		if err != nil {
			return Config{}, err
		}
		c.Store.DBPath = p
	case StoreSupabase:
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return Config{}, fmt.Errorf("supabase.url and supabase.key are required for the supabase driver")
		}
	default:
		return Config{}, fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Completion.Provider {
	case ProviderNone:
	case ProviderResponses:
		if c.Completion.Endpoint == "" {
			return Config{}, fmt.Errorf("completion.endpoint is required for the responses provider")
		}
	case ProviderSupabaseFunction:
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return Config{}, fmt.Errorf("supabase.url and supabase.key are required for the supabase_function provider")
		}
	default:
		return Config{}, fmt.Errorf("unknown completion.provider %q", c.Completion.Provider)
	}

	if c.Builder.HistoryLimit < 0 {
		c.Builder.HistoryLimit = 0
	}
	if c.Chat.MemoryWindow <= 0 {
		c.Chat.MemoryWindow = 10
	}
	if c.Supabase.PollIntervalMS <= 0 {
		c.Supabase.PollIntervalMS = 1500
	}
	if c.Builder.WorkspaceRoot != "" {
		p, err := ExpandHome(c.Builder.WorkspaceRoot)
		if err != nil {
			return Config{}, err
		}
		c.Builder.WorkspaceRoot = p
	}
	return c, nil
}

func (c CompletionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c SupabaseConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Clean(filepath.Join(home, trimmed)), nil
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agent_builder", "config.toml")
	}
	return filepath.Join(home, ".agent_builder", "config.toml")
}
