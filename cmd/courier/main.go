// Command courier is the operational surface of the message broker: health,
// stats, queue inspection, history, and ad-hoc message injection against a
// running Redis-backed deployment.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelWarn}),
	))

	if err := rootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
