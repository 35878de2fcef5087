package main

import (
	"flag"

	"github.com/helix-games/helix-ledger/internal/app"
	"github.com/helix-games/helix-ledger/internal/config"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

const serviceName = "helix-ledger"

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting service",
		"service", serviceName,
		"env", cfg.Service.Env,
		"chain_id", cfg.Blockchain.ChainID,
	)

	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("failed to create app", "error", err)
	}

	if err := application.Run(); err != nil {
		logger.Fatal("app run error", "error", err)
	}

	logger.Info("service stopped")
}
