package main

import (
	"fmt"

	"github.com/deskchat/deskchat/internal/config"
	"github.com/deskchat/deskchat/internal/db"
	"github.com/deskchat/deskchat/internal/logging"
	"gorm.io/gorm"
)

// connectFromConfig loads the config, initializes logging and opens the
// configured database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", databaseLabel(cfg.Database), err)
	}
	return cfg, gormDB, nil
}

func databaseLabel(c config.DatabaseConfig) string {
	if c.Driver == "mysql" {
		return fmt.Sprintf("mysql %s:%d/%s", c.Host, c.Port, c.Name)
	}
	return "sqlite " + c.Path
}
