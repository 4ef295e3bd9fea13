// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
)

var seedFiles = []string{
	"seed/customers.sql",
	"seed/campaigns.sql",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ invalid configuration:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ invalid log level:", err)
		os.Exit(1)
	}
	cfg.LogDotEnv(log)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("❌ failed to connect to database")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("❌ failed to apply schema")
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("❌ failed to read seed file")
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("❌ failed to execute seed file")
		}
		log.Info().Str("file", file).Msg("🌱 seeded")
	}

	log.Info().Msg("✅ database seeding completed")
}
