// cmd/silk-kcal/config.go
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverEmbedded = "embedded"
	DriverSupabase = "supabase"

	ProviderGemini  = "gemini"
	ProviderGateway = "gateway"
)

// Config mirrors configs/silk-kcal.yaml. Secrets come from the environment.
type Config struct {
	Server struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		PublicURL string `yaml:"public_url"`
		Debug     bool   `yaml:"debug"`
	} `yaml:"server"`
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`
	Backend struct {
		Driver      string `yaml:"driver"`
		SupabaseURL string `yaml:"supabase_url"`
		AnonKey     string `yaml:"-"`
	} `yaml:"backend"`
	AI struct {
		Provider string        `yaml:"provider"`
		Model    string        `yaml:"model"`
		ProxyURL string        `yaml:"proxy_url"`
		Timeout  time.Duration `yaml:"timeout"`
		APIKey   string        `yaml:"-"`
	} `yaml:"ai"`
	App struct {
		TimeZone       string        `yaml:"timezone"`
		SwipeThreshold float64       `yaml:"swipe_threshold"`
		NoticeTTL      time.Duration `yaml:"notice_ttl"`
	} `yaml:"app"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8011
	cfg.Data.Dir = "/data"
	cfg.Backend.Driver = DriverEmbedded
	cfg.AI.Provider = ProviderGemini
	cfg.AI.Timeout = 60 * time.Second
	cfg.App.TimeZone = "Local"
	cfg.App.SwipeThreshold = 120
	cfg.App.NoticeTTL = 3 * time.Second
	return cfg
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// merge copies the fields set in file over cfg.
func (cfg *Config) merge(file *Config) {
	if file.Server.Host != "" {
		cfg.Server.Host = file.Server.Host
	}
	if file.Server.Port != 0 {
		cfg.Server.Port = file.Server.Port
	}
	if file.Server.PublicURL != "" {
		cfg.Server.PublicURL = file.Server.PublicURL
	}
	if file.Server.Debug {
		cfg.Server.Debug = true
	}
	if file.Data.Dir != "" {
		cfg.Data.Dir = file.Data.Dir
	}
	if file.Backend.Driver != "" {
		cfg.Backend.Driver = file.Backend.Driver
	}
	if file.Backend.SupabaseURL != "" {
		cfg.Backend.SupabaseURL = file.Backend.SupabaseURL
	}
	if file.AI.Provider != "" {
		cfg.AI.Provider = file.AI.Provider
	}
	if file.AI.Model != "" {
		cfg.AI.Model = file.AI.Model
	}
	if file.AI.ProxyURL != "" {
		cfg.AI.ProxyURL = file.AI.ProxyURL
	}
	if file.AI.Timeout > 0 {
		cfg.AI.Timeout = file.AI.Timeout
	}
	if file.App.TimeZone != "" {
		cfg.App.TimeZone = file.App.TimeZone
	}
	if file.App.SwipeThreshold > 0 {
		cfg.App.SwipeThreshold = file.App.SwipeThreshold
	}
	if file.App.NoticeTTL > 0 {
		cfg.App.NoticeTTL = file.App.NoticeTTL
	}
}

// applyEnv reads secrets and endpoint overrides from the environment.
func (cfg *Config) applyEnv(getenv func(string) string) {
	cfg.Backend.AnonKey = getenv("SUPABASE_ANON_KEY")
	if v := getenv("SUPABASE_URL"); v != "" {
		cfg.Backend.SupabaseURL = v
	}

	switch cfg.AI.Provider {
	case ProviderGemini:
		cfg.AI.APIKey = getenv("GEMINI_API_KEY")
	case ProviderGateway:
		cfg.AI.APIKey = getenv("MCP_PROXY_API_KEY")
		if v := getenv("MCP_PROXY_URL"); v != "" {
			cfg.AI.ProxyURL = v
		}
		if v := getenv("OPENROUTER_MODEL"); v != "" {
			cfg.AI.Model = v
		}
	}
}

func (cfg *Config) validate() error {
	switch cfg.Backend.Driver {
	case DriverEmbedded:
	case DriverSupabase:
		if cfg.Backend.SupabaseURL == "" || cfg.Backend.AnonKey == "" {
			return errors.New("supabase backend needs SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	default:
		return fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	switch cfg.AI.Provider {
	case ProviderGemini:
		if cfg.AI.APIKey == "" {
			return errors.New("gemini provider needs GEMINI_API_KEY")
		}
	case ProviderGateway:
	default:
		return fmt.Errorf("unknown AI provider %q", cfg.AI.Provider)
	}

	if _, err := time.LoadLocation(cfg.App.TimeZone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.App.TimeZone, err)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	return nil
}

// Location is the viewing time zone records are grouped in.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.App.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// loadConfig resolves the configuration with precedence flags > environment >
// config file > defaults. A missing config file is not an error unless it was
// named explicitly.
func loadConfig(args []string, getenv func(string) string) (*Config, bool, error) {
	fs := flag.NewFlagSet("silk-kcal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configPath := fs.String("config", "", "Path to config file (default configs/silk-kcal.yaml)")
	host := fs.String("host", "", "Host address")
	address := fs.String("address", "", "Address (alias for host)")
	port := fs.Int("port", 0, "Port for HTTP transport")
	dataDir := fs.String("data-dir", "", "Directory for the device databases")
	driver := fs.String("backend", "", "Backend driver: embedded or supabase")
	provider := fs.String("ai", "", "AI provider: gemini or gateway")
	model := fs.String("model", "", "Model name")
	timezone := fs.String("timezone", "", "IANA time zone records are grouped in")
	threshold := fs.Float64("swipe-threshold", 0, "Swipe distance in pixels that deletes a record")
	debug := fs.Bool("debug", false, "Enable debug logging")
	version := fs.Bool("version", false, "Show version")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *version {
		return nil, true, nil
	}

	cfg := defaultConfig()

	path := *configPath
	if path == "" {
		path = "configs/silk-kcal.yaml"
	}
	file, err := loadConfigFile(path)
	switch {
	case err == nil:
		cfg.merge(file)
	case *configPath != "" || !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}

	if *provider != "" {
		cfg.AI.Provider = *provider
	}
	cfg.applyEnv(getenv)

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *address != "" {
		cfg.Server.Host = *address
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Data.Dir = *dataDir
	}
	if *driver != "" {
		cfg.Backend.Driver = *driver
	}
	if *model != "" {
		cfg.AI.Model = *model
	}
	if *timezone != "" {
		cfg.App.TimeZone = *timezone
	}
	if *threshold > 0 {
		cfg.App.SwipeThreshold = *threshold
	}
	if *debug {
		cfg.Server.Debug = true
	}

	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
