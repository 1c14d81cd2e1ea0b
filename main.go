// MarketMind Gateway relays the 5paisa live market feed to browser clients
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/marketmind/marketmind-gateway/app"
	"github.com/marketmind/marketmind-gateway/broker/ops"
)

var (
	// GATEWAY_VERSION is injected at build time with -ldflags.
	GATEWAY_VERSION = "v0.0.0"

	buildString = "dev build"
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	})
	return slog.New(ops.NewTeeHandler(inner, logBuffer)), logBuffer
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("MarketMind Gateway %s\n", GATEWAY_VERSION)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// A missing .env is normal in production.
	envErr := godotenv.Load()

	logger, logBuffer := initLogger()
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn("Failed to read .env", "error", envErr)
	}

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)
	application.SetVersion(GATEWAY_VERSION)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting MarketMind Gateway...", "version", GATEWAY_VERSION, "build", buildString)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
