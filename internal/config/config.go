package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Collections names every collection the migrations read or write.
// The defaults follow the backend's naming; YAML config may override any.
type Collections struct {
	FabricLookup         string `yaml:"fabric_lookup"`
	PatternLookup        string `yaml:"pattern_lookup"`
	HighlightLookup      string `yaml:"highlight_lookup"`
	OfferLookup          string `yaml:"offer_lookup"`
	CategoryLookup       string `yaml:"category_lookup"`
	HighlightLinks       string `yaml:"highlight_links"`
	AssetReferences      string `yaml:"asset_references"`
	OfferCategories      string `yaml:"offer_categories"`
	ProductPermissions   string `yaml:"product_permissions"`
	HighlightPermissions string `yaml:"highlight_permissions"`

	// EventsPattern and LookupPattern are doublestar globs selecting the
	// event-log and lookup collection families.
	EventsPattern string `yaml:"events_pattern"`
	LookupPattern string `yaml:"lookup_pattern"`

	Markers string `yaml:"markers"`
	Locks   string `yaml:"locks"`
}

// Config represents the application configuration
type Config struct {
	MongoURI          string        `yaml:"mongo_uri"`
	Database          string        `yaml:"database"`
	JournalPath       string        `yaml:"journal_path"`
	LogLevel          string        `yaml:"log_level"`
	Output            string        `yaml:"output"`
	BatchSize         int           `yaml:"batch_size"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	Operator          string        `yaml:"operator"`
	WebhookURL        string        `yaml:"webhook_url"`
	PushgatewayURL    string        `yaml:"pushgateway_url"`
	SnapshotEventName string        `yaml:"snapshot_event_name"`
	Collections       Collections   `yaml:"collections"`
}

// DefaultCollections returns the collection names used by the backend
func DefaultCollections() Collections {
	return Collections{
		FabricLookup:         "fabric_lookup",
		PatternLookup:        "pattern_lookup",
		HighlightLookup:      "highlight_lookup",
		OfferLookup:          "offer_lookup",
		CategoryLookup:       "category_lookup",
		HighlightLinks:       "highlights_links_lookup",
		AssetReferences:      "assets_references",
		OfferCategories:      "offers_categories",
		ProductPermissions:   "products_permissions",
		HighlightPermissions: "highlights_permissions",
		EventsPattern:        "*_events",
		LookupPattern:        "*_lookup",
		Markers:              "kkmigrate_migrations",
		Locks:                "kkmigrate_locks",
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. configPath, or ~/.config/kkmigrate/config.yaml when empty (YAML)
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		MongoURI:          "mongodb://localhost:27017",
		Database:          "kicherkrabbe",
		LogLevel:          "info",
		Output:            "table",
		BatchSize:         500,
		LockTTL:           30 * time.Minute,
		SnapshotEventName: "SNAPSHOTTED",
		Collections:       DefaultCollections(),
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if err := loadYAMLConfig(cfg, configPath); err != nil {
		// The default YAML config is optional; an explicit one is not
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	// Override with environment variables
	if uri := getEnvOrFile("KK_MONGO_URI", "KK_MONGO_URI_FILE"); uri != "" {
		cfg.MongoURI = strings.TrimSpace(uri)
	}
	if database := os.Getenv("KK_MONGO_DATABASE"); database != "" {
		cfg.Database = database
	}
	if journalPath := os.Getenv("KK_JOURNAL_PATH"); journalPath != "" {
		cfg.JournalPath = journalPath
	}
	if logLevel := os.Getenv("KK_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if output := os.Getenv("KK_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if batchSize := os.Getenv("KK_BATCH_SIZE"); batchSize != "" {
		n, err := strconv.Atoi(batchSize)
		if err != nil {
			return nil, fmt.Errorf("invalid KK_BATCH_SIZE %q: %w", batchSize, err)
		}
		cfg.BatchSize = n
	}
	if lockTTL := os.Getenv("KK_LOCK_TTL"); lockTTL != "" {
		d, err := time.ParseDuration(lockTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid KK_LOCK_TTL %q: %w", lockTTL, err)
		}
		cfg.LockTTL = d
	}
	if operator := os.Getenv("KK_OPERATOR"); operator != "" {
		cfg.Operator = operator
	}
	if webhookURL := getEnvOrFile("KK_WEBHOOK_URL", "KK_WEBHOOK_URL_FILE"); webhookURL != "" {
		cfg.WebhookURL = strings.TrimSpace(webhookURL)
	}
	if pushgatewayURL := os.Getenv("KK_PUSHGATEWAY_URL"); pushgatewayURL != "" {
		cfg.PushgatewayURL = pushgatewayURL
	}

	// Set defaults if not configured
	if cfg.JournalPath == "" {
		// Check for project-local journal first
		if _, err := os.Stat(".kkmigrate/journal.db"); err == nil {
			cfg.JournalPath = ".kkmigrate/journal.db"
		} else {
			// Fall back to user-global journal
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.JournalPath = filepath.Join(homeDir, ".local", "share", "kkmigrate", "journal.db")
		}
	}

	if cfg.Operator == "" {
		cfg.Operator = defaultOperator()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("mongo URI not specified (use --uri or set KK_MONGO_URI)")
	}
	if c.Database == "" {
		return fmt.Errorf("database not specified (use --database or set KK_MONGO_DATABASE)")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size %d: must be positive", c.BatchSize)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("invalid lock TTL %s: must be positive", c.LockTTL)
	}
	return nil
}

// loadYAMLConfig loads configuration from path, or from
// ~/.config/kkmigrate/config.yaml when path is empty
func loadYAMLConfig(cfg *Config, path string) error {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(homeDir, ".config", "kkmigrate", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return string(data)
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, just check cwd
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Clean paths for reliable comparison
	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		// Stop if we've reached home directory
		if dir == homeDir {
			break
		}

		// Get parent directory
		parent := filepath.Dir(dir)

		// Stop if we've reached the filesystem root
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// defaultOperator names the person or host running a migration, recorded
// on markers and journal entries.
func defaultOperator() string {
	if user := os.Getenv("USER"); user != "" {
		if host, err := os.Hostname(); err == nil {
			return user + "@" + host
		}
		return user
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
