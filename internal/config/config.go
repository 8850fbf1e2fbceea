package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string      `json:"serverAddress"`
	DatabasePath  string      `json:"databasePath"`
	DatabaseURL   string      `json:"databaseUrl"`
	Security      Security    `json:"security"`
	Replication   Replication `json:"replication"`
}

// Security configuration. JWTSecret signs bearer tokens; the service key is an
// operational back door for trusted automation and is stored only as a bcrypt
// hash.
type Security struct {
	JWTSecret        string `json:"jwtSecret"`
	ServiceKeyHash   string `json:"serviceKeyHash"`
	ServiceKeyHeader string `json:"serviceKeyHeader"`
	ServiceUserID    string `json:"serviceUserId"`
}

// Replication configuration for pull/push batching.
type Replication struct {
	DefaultBatchSize int `json:"defaultBatchSize"`
	MaxBatchSize     int `json:"maxBatchSize"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "studyplan.db",
		Security: Security{
			JWTSecret:        "CHANGE_THIS_TO_A_SECURE_SECRET_AT_LEAST_32_CHARS",
			ServiceKeyHeader: "X-Service-Key",
			ServiceUserID:    "service",
		},
		Replication: Replication{
			DefaultBatchSize: 100,
			MaxBatchSize:     500,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Security.JWTSecret = secret
	}
	if hash := os.Getenv("SERVICE_KEY_HASH"); hash != "" {
		cfg.Security.ServiceKeyHash = hash
	}
	if userID := os.Getenv("SERVICE_USER_ID"); userID != "" {
		cfg.Security.ServiceUserID = userID
	}

	if size := os.Getenv("REPLICATION_DEFAULT_BATCH_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.Replication.DefaultBatchSize = n
		}
	}
	if size := os.Getenv("REPLICATION_MAX_BATCH_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.Replication.MaxBatchSize = n
		}
	}

	if cfg.Replication.DefaultBatchSize > cfg.Replication.MaxBatchSize {
		cfg.Replication.DefaultBatchSize = cfg.Replication.MaxBatchSize
	}

	return cfg, nil
}
