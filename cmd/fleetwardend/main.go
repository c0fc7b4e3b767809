// fleetwardend - fleet control daemon and operator CLI
//
// Copyright (c) 2026 fleetwarden contributors
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	version   = "dev"
	gitCommit string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func getStateDir() string {
	if dir := os.Getenv("FLEETWARDEN_STATE_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fleetwarden")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("FLEETWARDEN_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
