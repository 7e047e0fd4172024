package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything read from the environment at startup.
type Config struct {
	Port   string
	DBPath string

	// LLM settings. An empty APIKey selects the mock gateway.
	APIKey     string
	BaseURL    string
	Model      string
	LLMTimeout time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Load reads all env vars and builds the config.
func Load() *Config {
	return &Config{
		Port:       getEnv("PORT", "8100"),
		DBPath:     getEnv("CHATPAD_DB", "chatpad.db"),
		APIKey:     os.Getenv("LLM_API_KEY"),
		BaseURL:    getEnv("LLM_API_URL", "https://api.openai.com/v1"),
		Model:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout: time.Duration(getIntEnv("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
	}
}
