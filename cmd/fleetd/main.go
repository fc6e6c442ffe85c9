package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"telegram-fleet/internal/adapters/cli"
	"telegram-fleet/internal/adapters/members"
	"telegram-fleet/internal/app"
	"telegram-fleet/internal/infra/config"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/timeutil"
)

func main() {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	// membersPath указывает на JSON-файл с профилями участников от скрейпера.
	membersPath := flag.String("members", "data/members.json", "path to scraped members file")
	// withConsole управляет операторской консолью; под systemd её выключают.
	withConsole := flag.Bool("console", true, "start interactive operator console")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Применяем часовую зону приложения (поддерживает IANA и UTC-смещение).
	if locApp, err := timeutil.ParseLocation(config.Env().AppTimezone); err != nil {
		logger.Fatal("failed to parse APP_TIMEZONE", zap.Error(err))
	} else {
		time.Local = locApp //nolint:reassign // намеренно задаём часовую зону процесса
	}

	logger.Init(config.Env().LogLevel)
	logger.InitFile(logger.FileOptions{
		Path:       config.Env().LogFile,
		Level:      config.Env().LogFileLevel,
		MaxSizeMB:  config.Env().LogFileMaxSize,
		MaxBackups: config.Env().LogFileMaxBackups,
		MaxAgeDays: config.Env().LogFileMaxAge,
		Compress:   config.Env().LogFileCompress,
	})
	defer func() { _ = logger.Sync() }()
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	memberStore, err := members.LoadFile(*membersPath)
	if err != nil {
		logger.Fatal("failed to load members file", zap.Error(err))
	}
	logger.Infof("members loaded: %d profiles", memberStore.Len())

	a, err := app.New(config.Env(), memberStore)
	if err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}

	// Консоль имеет смысл только на живом терминале.
	var console app.Console
	if *withConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		console = cli.NewService(a)
	}

	if runErr := app.NewRunner(a, console).Run(context.Background()); runErr != nil {
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	logger.Info("Graceful shutdown complete")
}
