package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"ftsdb/pkg/config"
	"ftsdb/pkg/index"
)

// initConfig загружает конфиг из YAML и переменных окружения.
func initConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("node", cfg.Raft.ID)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
}

// initIndex opens the local index. The schema file only seeds an empty index;
// a schema already committed through the log wins.
func initIndex(cfg *config.Config) (*index.Index, error) {
	var schema index.Schema
	if cfg.Index.SchemaFile != "" {
		s, err := index.LoadSchema(cfg.Index.SchemaFile)
		if err != nil {
			return nil, err
		}
		schema = s
	}

	ix, err := index.Open(filepath.Join(cfg.Raft.DataDir, "index"), schema)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return ix, nil
}
