// Command friendconnectd runs the FriendConnect coordinator: it loads a
// configuration file, authenticates every configured identity, maintains a
// friendship graph and MPSD session per game server, and exits cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fennecdev/friendconnect"
	"github.com/fennecdev/friendconnect/config"
)

var (
	configPath = flag.String("config", "./config.yaml", "path to the FriendConnect configuration file")
	logPath    = flag.String("log", "", "path to a rotating log file; if empty, logs only go to stdout")
	logLevel   = flag.String("loglevel", "info", "log level: debug, info, warn, error")
	demoMode   = flag.Bool("demo", false, "run in demo mode (bypasses every Xbox Live network call)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp})
	if *logPath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   *logPath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	log := zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.DemoMode = cfg.DemoMode || *demoMode

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration failed validation")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := friendconnect.New(cfg, log)

	go func() {
		for event := range coordinator.Events() {
			log.Info().
				Int("kind", int(event.Kind)).
				Str("server", event.ServerID).
				Str("subject", event.Subject).
				Str("reason", event.Reason).
				Msg("coordinator event")
		}
	}()

	if err := coordinator.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start coordinator")
	}
	log.Info().Msg("FriendConnect is running. Press ^C to stop.")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	log.Info().Msg("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	coordinator.Stop(shutdownCtx)

	log.Info().Msg("shutdown complete")
}
