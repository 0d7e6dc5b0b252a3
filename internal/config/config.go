package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App     AppConfig
	Backend BackendConfig
	Compose ComposeConfig
}

type AppConfig struct {
	Port               string
	BaseURL            string
	ClientURL          string
	Environment        string
	LogFilePath        string
	HubLogFilePath     string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
}

type BackendConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type ComposeConfig struct {
	PollInterval time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			BaseURL:            getEnv("APP_BASE_URL", "http://localhost:3000"),
			ClientURL:          getEnv("CLIENT_URL", "http://localhost:5173"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "app.log"),
			HubLogFilePath:     getEnv("HUB_LOG_FILE_PATH", "hub.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Backend: BackendConfig{
			BaseURL: getEnv("EHR_BASE_URL", "http://localhost:8080/api"),
			APIKey:  getEnv("EHR_API_KEY", ""),
			Timeout: time.Duration(getEnvAsInt("EHR_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Compose: ComposeConfig{
			PollInterval: time.Duration(getEnvAsInt("COMPOSE_POLL_INTERVAL_MS", 650)) * time.Millisecond,
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}
