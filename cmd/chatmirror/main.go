package main

import (
	"context"

	"github.com/joho/godotenv"

	"chatmirror/internal/app"
	"chatmirror/pkg/config"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/shutdown"
)

// build metadata - set via ldflags during release
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseConfigFlags()
	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		logger.Init()
		shutdown.Abort("failed to load config file", err, "", 0)
	}
	envCfg, envRes := config.ParseConfigEnvs()
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		logger.Init()
		shutdown.Abort("failed to resolve effective config", err, "", 0)
	}

	logger.InitWithLevel(eff.Config.Logging.Level)

	a, err := app.New(eff, version)
	if err != nil {
		shutdown.Abort("failed to initialize", err, eff.DBPath, 0)
	}
	a.PrintBanner()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited", err, eff.DBPath, 0)
	}
}
