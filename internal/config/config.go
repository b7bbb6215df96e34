package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/ledgergate.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServerConfig describes runtime options for the daemon.
type ServerConfig struct {
	Environment string
	// ListenAddress is the host:port the HTTP server binds.
	ListenAddress string
	// AccountDSN selects the durable account store. A postgres:// or
	// postgresql:// URL picks the Postgres backend; anything else is a
	// SQLite file path.
	AccountDSN string
	// JournalPath is the SQLite usage journal location. Empty disables
	// journaling.
	JournalPath          string
	JournalAsync         bool
	JournalBatchSize     int
	JournalFlushInterval time.Duration
	// PriceFile optionally replaces the built-in price table.
	PriceFile string
	LogFile   string
	LogLevel  string
	// StoreTimeout bounds each durable-store call.
	StoreTimeout time.Duration
	// AdminToken gates the administrative endpoints. Empty disables them.
	AdminToken string
	// Upstream completion backend.
	BackendAPIKey  string
	BackendBaseURL string
	// Postgres pool sizing, ignored for SQLite.
	StoreMaxOpenConns int
	StoreMaxIdleConns int
}

// LoadServerConfig reads the current environment and loads the appropriate
// config file. Environment variables override file values key for key.
func LoadServerConfig(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServerConfig{
		Environment:       s.Environment,
		ListenAddress:     firstNonEmpty(os.Getenv("LEDGERGATE_LISTEN"), merged["listen"], ":8090"),
		AccountDSN:        firstNonEmpty(os.Getenv("LEDGERGATE_ACCOUNT_DSN"), merged["account_dsn"], DefaultAccountPath()),
		JournalPath:       firstNonEmpty(os.Getenv("LEDGERGATE_JOURNAL_PATH"), merged["journal_path"], DefaultJournalPath()),
		JournalAsync:      parseOptionalBool(firstNonEmpty(os.Getenv("LEDGERGATE_JOURNAL_ASYNC"), merged["journal_async"]), true),
		JournalBatchSize:  parseOptionalInt(firstNonEmpty(os.Getenv("LEDGERGATE_JOURNAL_BATCH_SIZE"), merged["journal_batch_size"]), 100),
		PriceFile:         firstNonEmpty(os.Getenv("LEDGERGATE_PRICE_FILE"), merged["price_file"]),
		LogFile:           firstNonEmpty(os.Getenv("LEDGERGATE_LOG_FILE"), merged["log_file"]),
		LogLevel:          firstNonEmpty(os.Getenv("LEDGERGATE_LOG_LEVEL"), merged["log_level"], "info"),
		AdminToken:        firstNonEmpty(os.Getenv("LEDGERGATE_ADMIN_TOKEN"), merged["admin_token"]),
		BackendAPIKey:     firstNonEmpty(os.Getenv("LEDGERGATE_BACKEND_API_KEY"), os.Getenv("OPENAI_API_KEY"), merged["backend_api_key"]),
		BackendBaseURL:    firstNonEmpty(os.Getenv("LEDGERGATE_BACKEND_BASE_URL"), merged["backend_base_url"], "https://api.openai.com/v1"),
		StoreMaxOpenConns: parseOptionalInt(firstNonEmpty(os.Getenv("LEDGERGATE_STORE_MAX_OPEN"), merged["store_max_open"]), 10),
		StoreMaxIdleConns: parseOptionalInt(firstNonEmpty(os.Getenv("LEDGERGATE_STORE_MAX_IDLE"), merged["store_max_idle"]), 5),
	}

	cfg.StoreTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("LEDGERGATE_STORE_TIMEOUT"), merged["store_timeout"]), 5*time.Second)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid store_timeout: %w", err)
	}
	cfg.JournalFlushInterval, err = parseOptionalDuration(firstNonEmpty(os.Getenv("LEDGERGATE_JOURNAL_FLUSH_INTERVAL"), merged["journal_flush_interval"]), time.Second)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid journal_flush_interval: %w", err)
	}
	return cfg, nil
}

// PostgresDSN reports whether the account DSN selects the Postgres backend.
func (c ServerConfig) PostgresDSN() bool {
	return strings.HasPrefix(c.AccountDSN, "postgres://") || strings.HasPrefix(c.AccountDSN, "postgresql://")
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultAccountPath returns the fallback account database location under
// the user's home directory.
func DefaultAccountPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accounts.db"
	}
	return filepath.Join(home, ".ledgergate", "accounts.db")
}

// DefaultJournalPath returns the fallback usage journal location.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "journal.db"
	}
	return filepath.Join(home, ".ledgergate", "journal.db")
}
