package main

import (
	"log/slog"
	"os"

	"github.com/tengta119/VoipRecord/internal/cli"
	"github.com/tengta119/VoipRecord/internal/output"
)

func main() {
	// stdout carries command output; logs go to stderr
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := cli.NewRootCmd().Execute(); err != nil {
		output.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
