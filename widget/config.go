package main

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// config holds the environment defaults of the command line flags.
type config struct {
	Relays       []string `env:"RELAY" envSeparator:","`
	Port         int      `env:"PORT" envDefault:"3000"`
	Name         string   `env:"WIDGET_NAME" envDefault:"chat-widget"`
	CredKey      string   `env:"WIDGET_CRED_KEY"`
	WebhookToken string   `env:"WEBHOOK_TOKEN"`
	BackendURL   string   `env:"BACKEND_URL"`

	URL        string `env:"WIDGET_URL" envDefault:"http://127.0.0.1:3000"`
	UserID     string `env:"WIDGET_USER" envDefault:"JohnDoe@KKT"`
	Account    string `env:"WIDGET_ACCOUNT"`
	Secret     string `env:"WIDGET_SECRET"`
	WebhookURL string `env:"WIDGET_WEBHOOK_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY"`
}

func loadConfig() (config, error) {
	return env.ParseAs[config]()
}

// setupLogging configures the global zerolog logger.
func setupLogging(level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}
