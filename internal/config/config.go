package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int

	// DatabaseURL is the Postgres connection string (Supabase in production).
	DatabaseURL string

	// BotToken is the Telegram bot token shared with the Mini App; init data
	// signatures are derived from it.
	BotToken string

	// ApifyToken authenticates outbound calls to the scraping service.
	ApifyToken string

	// ApifyBaseURL is the scraping service API root.
	ApifyBaseURL string

	// PublicBaseURL is where this service is reachable from the outside,
	// used to construct the completion-webhook target.
	PublicBaseURL string

	// OperatorID is the single Telegram id allowed to trigger a sync pass.
	OperatorID int64

	// Actors maps platform name to the Apify actor that scrapes it.
	Actors map[string]string
}

// WebhookURL returns the callback endpoint registered with every scrape run.
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/webhooks/apify"
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}

	apifyToken := os.Getenv("APIFY_TOKEN")
	if apifyToken == "" {
		return nil, fmt.Errorf("APIFY_TOKEN is required")
	}

	publicBaseURL := os.Getenv("PUBLIC_BASE_URL")
	if publicBaseURL == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL is required")
	}

	operatorRaw := os.Getenv("OPERATOR_ID")
	if operatorRaw == "" {
		return nil, fmt.Errorf("OPERATOR_ID is required")
	}
	operatorID, err := strconv.ParseInt(operatorRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OPERATOR_ID: %w", err)
	}

	apifyBaseURL := os.Getenv("APIFY_BASE_URL")
	if apifyBaseURL == "" {
		apifyBaseURL = "https://api.apify.com/v2"
	}

	return &Config{
		Port:          port,
		DatabaseURL:   dbURL,
		BotToken:      botToken,
		ApifyToken:    apifyToken,
		ApifyBaseURL:  apifyBaseURL,
		PublicBaseURL: publicBaseURL,
		OperatorID:    operatorID,
		Actors: map[string]string{
			"tiktok":    envOrDefault("APIFY_ACTOR_TIKTOK", "clockworks~tiktok-scraper"),
			"instagram": envOrDefault("APIFY_ACTOR_INSTAGRAM", "apify~instagram-scraper"),
			"youtube":   envOrDefault("APIFY_ACTOR_YOUTUBE", "streamers~youtube-scraper"),
			"vk":        envOrDefault("APIFY_ACTOR_VK", "kousrun~vk-video-scraper"),
		},
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
