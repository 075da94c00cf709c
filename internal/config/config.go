package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PollMode selects between the global tick and a dedicated per-client poller.
type PollMode string

const (
	PollGlobal PollMode = "global"
	PollCustom PollMode = "custom"
)

// ClientConfig is the shared shape for one external service.
type ClientConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	PollMode     PollMode      `yaml:"poll_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Config holds all configuration for the application.
type Config struct {
	// Server configuration. The admin surface and the KoSync surface listen
	// on separate ports so only the sync port needs to be exposed.
	Server struct {
		PrimaryPort     string        `yaml:"primary_port"`
		KoSyncPort      string        `yaml:"kosync_port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// External services
	Audiobookshelf ClientConfig `yaml:"audiobookshelf"`
	Booklore       ClientConfig `yaml:"booklore"`
	Hardcover      ClientConfig `yaml:"hardcover"`
	Storyteller    ClientConfig `yaml:"storyteller"`
	KoSync         struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"kosync"`

	// Sync engine settings
	Sync struct {
		Period              time.Duration `yaml:"period"`
		Debounce            time.Duration `yaml:"debounce"`
		SuppressionTTL      time.Duration `yaml:"suppression_ttl"`
		CycleTimeout        time.Duration `yaml:"cycle_timeout"`
		ClientTimeout       time.Duration `yaml:"client_timeout"`
		Workers             int           `yaml:"workers"`
		DeltaABSSeconds     float64       `yaml:"delta_abs_seconds"`
		DeltaKoSyncPercent  float64       `yaml:"delta_kosync_percent"`
		DeltaKoSyncWords    int           `yaml:"delta_kosync_words"`
		DeltaDefaultPercent float64       `yaml:"delta_default_percent"`
		DeltaBetweenClients float64       `yaml:"delta_between_clients_percent"`
		RegressionTolerance float64       `yaml:"regression_tolerance_percent"`
		SuggestionsEnabled  bool          `yaml:"suggestions_enabled"`
	} `yaml:"sync"`

	// Text locator settings
	Locator struct {
		FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
		WindowFraction float64 `yaml:"window_fraction"`
		SnippetChars   int     `yaml:"snippet_chars"`
		ParseCacheSize int     `yaml:"parse_cache_size"`
	} `yaml:"locator"`

	// Transcription job settings
	Jobs struct {
		MaxRetries    int           `yaml:"max_retries"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		ChunkDuration time.Duration `yaml:"chunk_duration"`
		TranscriberURL string       `yaml:"transcriber_url"`
		ModelHint      string       `yaml:"model_hint"`
	} `yaml:"jobs"`

	// File paths
	Paths struct {
		DataDir  string `yaml:"data_dir"`
		BooksDir string `yaml:"books_dir"`
	} `yaml:"paths"`
}

// Load loads configuration from a file (if specified) and environment
// variables. Priority: environment variables, then config file, then defaults.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Server.PrimaryPort = "8080"
	c.Server.KoSyncPort = "8081"
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.KoSync.Enabled = true

	c.Sync.Period = 5 * time.Minute
	c.Sync.Debounce = 30 * time.Second
	c.Sync.SuppressionTTL = 60 * time.Second
	c.Sync.CycleTimeout = 120 * time.Second
	c.Sync.ClientTimeout = 20 * time.Second
	c.Sync.Workers = 0 // 0 means runtime.NumCPU()
	c.Sync.DeltaABSSeconds = 30
	c.Sync.DeltaKoSyncPercent = 0.005
	c.Sync.DeltaKoSyncWords = 400
	c.Sync.DeltaDefaultPercent = 0.005
	c.Sync.DeltaBetweenClients = 0.005
	c.Sync.RegressionTolerance = 0.005
	c.Sync.SuggestionsEnabled = true

	c.Locator.FuzzyThreshold = 0.80
	c.Locator.WindowFraction = 0.15
	c.Locator.SnippetChars = 800
	c.Locator.ParseCacheSize = 3

	c.Jobs.MaxRetries = 5
	c.Jobs.RetryDelay = 15 * time.Minute
	c.Jobs.ChunkDuration = 45 * time.Minute

	c.Paths.DataDir = "./data"
	c.Paths.BooksDir = "./books"

	for _, cc := range []*ClientConfig{&c.Audiobookshelf, &c.Booklore, &c.Hardcover, &c.Storyteller} {
		cc.PollMode = PollGlobal
		cc.PollInterval = 5 * time.Minute
	}
}

func (c *Config) loadFromEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, set := os.LookupEnv(key); set {
			*dst = strings.EqualFold(v, "true")
		}
	}

	setStr("AUDIOBOOKSHELF_URL", &c.Audiobookshelf.URL)
	setStr("AUDIOBOOKSHELF_TOKEN", &c.Audiobookshelf.Token)
	setStr("BOOKLORE_URL", &c.Booklore.URL)
	setStr("BOOKLORE_USERNAME", &c.Booklore.Username)
	setStr("BOOKLORE_PASSWORD", &c.Booklore.Password)
	setStr("HARDCOVER_TOKEN", &c.Hardcover.Token)
	setStr("STORYTELLER_URL", &c.Storyteller.URL)
	setStr("STORYTELLER_TOKEN", &c.Storyteller.Token)
	setBool("KOSYNC_ENABLED", &c.KoSync.Enabled)

	setStr("PRIMARY_PORT", &c.Server.PrimaryPort)
	setStr("KOSYNC_PORT", &c.Server.KoSyncPort)
	setDur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	setStr("LOG_LEVEL", &c.Logging.Level)
	setStr("LOG_FORMAT", &c.Logging.Format)

	setDur("SYNC_PERIOD", &c.Sync.Period)
	setDur("SYNC_DEBOUNCE", &c.Sync.Debounce)
	setDur("SYNC_SUPPRESSION_TTL", &c.Sync.SuppressionTTL)
	setDur("SYNC_CYCLE_TIMEOUT", &c.Sync.CycleTimeout)
	setDur("SYNC_CLIENT_TIMEOUT", &c.Sync.ClientTimeout)
	setInt("SYNC_WORKERS", &c.Sync.Workers)
	setFloat("SYNC_DELTA_ABS_SECONDS", &c.Sync.DeltaABSSeconds)
	setFloat("SYNC_DELTA_KOSYNC_PERCENT", &c.Sync.DeltaKoSyncPercent)
	setInt("SYNC_DELTA_KOSYNC_WORDS", &c.Sync.DeltaKoSyncWords)
	setFloat("SYNC_DELTA_BETWEEN_CLIENTS_PERCENT", &c.Sync.DeltaBetweenClients)
	setBool("SUGGESTIONS_ENABLED", &c.Sync.SuggestionsEnabled)

	setFloat("FUZZY_THRESHOLD", &c.Locator.FuzzyThreshold)
	setFloat("LOCATOR_WINDOW_FRACTION", &c.Locator.WindowFraction)

	setInt("JOB_MAX_RETRIES", &c.Jobs.MaxRetries)
	setDur("JOB_RETRY_DELAY", &c.Jobs.RetryDelay)
	setDur("JOB_CHUNK_DURATION", &c.Jobs.ChunkDuration)
	setStr("TRANSCRIBER_URL", &c.Jobs.TranscriberURL)
	setStr("TRANSCRIBER_MODEL", &c.Jobs.ModelHint)

	setStr("DATA_DIR", &c.Paths.DataDir)
	setStr("BOOKS_DIR", &c.Paths.BooksDir)

	for prefix, cc := range map[string]*ClientConfig{
		"STORYTELLER": &c.Storyteller,
		"BOOKLORE":    &c.Booklore,
	} {
		if v := os.Getenv(prefix + "_POLL_MODE"); v != "" {
			cc.PollMode = PollMode(strings.ToLower(v))
		}
		setDur(prefix+"_POLL_INTERVAL", &cc.PollInterval)
	}
}

// Validate checks that the configuration is usable. Client credentials are
// optional; an unconfigured client is skipped silently.
func (c *Config) Validate() error {
	var problems []string

	if c.Paths.DataDir == "" {
		problems = append(problems, "DATA_DIR must not be empty")
	}
	if c.Sync.DeltaBetweenClients < 0 || c.Sync.DeltaBetweenClients > 1 {
		problems = append(problems, "delta_between_clients_percent must be a 0..1 fraction")
	}
	if c.Locator.FuzzyThreshold <= 0 || c.Locator.FuzzyThreshold > 1 {
		problems = append(problems, "fuzzy_threshold must be in (0, 1]")
	}
	if c.Locator.WindowFraction <= 0 || c.Locator.WindowFraction > 0.5 {
		problems = append(problems, "window_fraction must be in (0, 0.5]")
	}
	if c.Audiobookshelf.URL != "" && c.Audiobookshelf.Token == "" {
		problems = append(problems, "AUDIOBOOKSHELF_TOKEN is required when AUDIOBOOKSHELF_URL is set")
	}

	if len(problems) > 0 {
		return &ConfigError{Msg: strings.Join(problems, "; ")}
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Msg
}
