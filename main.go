package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spooky-finn/go-marketbook/app"
	"github.com/spooky-finn/go-marketbook/config"
	"github.com/spooky-finn/go-marketbook/infrastructure/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "marketbook.toml", "path to the toml config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "marketbook: %s\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    true,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("market book failed", zap.Error(err))
		return err
	}
	return nil
}
