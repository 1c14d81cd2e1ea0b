package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// Config holds the application configuration.
type Config struct {
	AppHost string
	AppPort string

	FeedURL          string
	TokenStorePath   string
	CredentialDBPath string
	ScripmasterPath  string

	// SecretKey encrypts access tokens in the credential database.
	SecretKey string
	// JWTSecret enables bearer auth on the streaming and admin routes.
	JWTSecret   string
	JWTAudience string

	AdminSecretPath string
	AllowedOrigins  []string
}

const (
	DefaultPort           = "5000"
	DefaultHost           = "localhost"
	DefaultTokenStorePath = "token_store.json"
)

// ConfigFromEnv reads the configuration from environment variables.
func ConfigFromEnv() *Config {
	return &Config{
		AppHost:          os.Getenv("APP_HOST"),
		AppPort:          os.Getenv("APP_PORT"),
		FeedURL:          os.Getenv("FEED_URL"),
		TokenStorePath:   os.Getenv("TOKEN_STORE_PATH"),
		CredentialDBPath: os.Getenv("CREDENTIAL_DB_PATH"),
		ScripmasterPath:  os.Getenv("SCRIPMASTER_PATH"),
		SecretKey:        os.Getenv("SECRET_KEY"),
		JWTSecret:        os.Getenv("JWT_SECRET_KEY"),
		JWTAudience:      os.Getenv("JWT_AUDIENCE"),
		AdminSecretPath:  os.Getenv("ADMIN_ENDPOINT_SECRET_PATH"),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.AppPort
}

// applyDefaults fills unset fields and validates the rest.
func (c *Config) applyDefaults() error {
	if c.AppPort == "" {
		c.AppPort = DefaultPort
	}
	if c.AppHost == "" {
		c.AppHost = DefaultHost
	}
	if c.FeedURL == "" {
		c.FeedURL = ticker.DefaultFeedURL
	}
	if c.TokenStorePath == "" {
		c.TokenStorePath = DefaultTokenStorePath
	}

	u, err := url.Parse(c.FeedURL)
	if err != nil {
		return fmt.Errorf("invalid FEED_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("FEED_URL must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("FEED_URL has no host")
	}
	if strings.Contains(c.AdminSecretPath, "/") {
		return errors.New("ADMIN_ENDPOINT_SECRET_PATH must be a single path segment")
	}
	return nil
}
