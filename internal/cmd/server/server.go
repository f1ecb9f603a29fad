// Package server parses server command flags and composes the service
// entrypoint.
package server

import (
	"context"
	"flag"
	"fmt"
	"time"

	appserver "github.com/kudamusoni/chatbot-api-sub001/internal/app/server"
	entrypoint "github.com/kudamusoni/chatbot-api-sub001/internal/platform/cmd"
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr        string        `env:"WIDGETCHAT_HTTP_ADDR"         envDefault:":8080"`
	DBPath          string        `env:"WIDGETCHAT_DB_PATH"           envDefault:"widgetchat.db"`
	TenantsPath     string        `env:"WIDGETCHAT_TENANTS_PATH"      envDefault:"tenants.yaml"`
	TokenSecret     string        `env:"WIDGETCHAT_TOKEN_SECRET"`
	TokenTTL        time.Duration `env:"WIDGETCHAT_TOKEN_TTL"         envDefault:"24h"`
	DevBypassOrigin bool          `env:"WIDGETCHAT_DEV_BYPASS_ORIGIN" envDefault:"false"`
	Replay          bool          `env:"WIDGETCHAT_REPLAY"            envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.TenantsPath, "tenants", cfg.TenantsPath, "tenant registry YAML path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "session token signing secret")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "session token lifetime")
	fs.BoolVar(&cfg.DevBypassOrigin, "dev-bypass-origin", cfg.DevBypassOrigin, "disable origin enforcement (development only)")
	fs.BoolVar(&cfg.Replay, "replay", cfg.Replay, "rebuild projections from the event journal before serving")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the server app and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(context.Context) error {
		if err := appserver.Run(ctx, appserver.Config{
			HTTPAddr:        cfg.HTTPAddr,
			DBPath:          cfg.DBPath,
			TenantsPath:     cfg.TenantsPath,
			TokenSecret:     cfg.TokenSecret,
			TokenTTL:        cfg.TokenTTL,
			DevBypassOrigin: cfg.DevBypassOrigin,
			Replay:          cfg.Replay,
		}); err != nil {
			return fmt.Errorf("serve widgetchat: %w", err)
		}
		return nil
	})
}
