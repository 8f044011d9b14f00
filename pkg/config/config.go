package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Orchestrator struct {
		// Cron is a 6-field expression with seconds; empty maps to every
		// 10 seconds.
		Cron string `yaml:"cron"`
	} `yaml:"orchestrator"`
	Classifier struct {
		APIKey       string `yaml:"api_key"`
		Model        string `yaml:"model"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"classifier"`
	Sheets struct {
		SpreadsheetID   string  `yaml:"spreadsheet_id"`
		SheetName       string  `yaml:"sheet_name"`
		CredentialsFile string  `yaml:"credentials_file"`
		BatchSize       int     `yaml:"batch_size"`
		FlushIdle       string  `yaml:"flush_idle"`
		MaxRetries      int     `yaml:"max_retries"`
		HeaderTTL       string  `yaml:"header_ttl"`
		RPS             float64 `yaml:"rps"`
		Burst           int     `yaml:"burst"`
	} `yaml:"sheets"`
	Schema struct {
		Fields []FieldSpec `yaml:"fields"`
	} `yaml:"schema"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// FieldSpec describes one extractable field as supplied by the external
// schema source (read-only here; the admin surface that edits it is out of
// scope).
type FieldSpec struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"` // text|number|date|boolean|enum|array
	Required    bool     `yaml:"required"`
	Order       int      `yaml:"order"`
	Description string   `yaml:"description"`
	EnumValues  []string `yaml:"enum_values"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// CronExpr returns the orchestrator schedule, defaulting to every 10s.
func (c *Config) CronExpr() string {
	if c.Orchestrator.Cron == "" {
		return "*/10 * * * * *"
	}
	return c.Orchestrator.Cron
}

// FlushIdle parses the batcher idle timeout, defaulting to 2s.
func (c *Config) FlushIdle() time.Duration {
	if d, err := time.ParseDuration(c.Sheets.FlushIdle); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// HeaderTTL parses the header-cache TTL, defaulting to 5m.
func (c *Config) HeaderTTL() time.Duration {
	if d, err := time.ParseDuration(c.Sheets.HeaderTTL); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("LEADSYNC_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("LEADSYNC_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("LEADSYNC_CRON"); v != "" {
		envUsed = true
		cfg.Orchestrator.Cron = v
	}
	if v := os.Getenv("LEADSYNC_OPENAI_API_KEY"); v != "" {
		envUsed = true
		cfg.Classifier.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Classifier.APIKey == "" {
		envUsed = true
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("LEADSYNC_OPENAI_MODEL"); v != "" {
		envUsed = true
		cfg.Classifier.Model = v
	}
	if v := os.Getenv("LEADSYNC_SPREADSHEET_ID"); v != "" {
		envUsed = true
		cfg.Sheets.SpreadsheetID = v
	}
	if v := os.Getenv("LEADSYNC_SHEET_NAME"); v != "" {
		envUsed = true
		cfg.Sheets.SheetName = v
	}
	if v := os.Getenv("LEADSYNC_SHEETS_CREDENTIALS"); v != "" {
		envUsed = true
		cfg.Sheets.CredentialsFile = v
	}
	if v := os.Getenv("LEADSYNC_SHEETS_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Sheets.RPS = f
		}
	}
	if v := os.Getenv("LEADSYNC_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides. A missing file yields a zero config plus env.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the LEADSYNC_CONFIG env var when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("LEADSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
