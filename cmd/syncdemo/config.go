// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type appConfig struct {
	DatabasePath string
	BaseURL      string
	BearerToken  string
	Entities     []string
	SyncInterval time.Duration
}

// loadConfig reads configuration from the environment, with .env as a
// convenience overlay for local development.
func loadConfig() (*appConfig, error) {
	_ = godotenv.Load()

	cfg := &appConfig{
		DatabasePath: getEnv("SYNC_DB_PATH", "almoxerifado.db"),
		BaseURL:      getEnv("SYNC_BASE_URL", ""),
		BearerToken:  getEnv("SYNC_BEARER_TOKEN", ""),
		Entities:     splitList(getEnv("SYNC_ENTITIES", "item,transfer,user,obra,notification")),
		SyncInterval: getEnvDuration("SYNC_INTERVAL_SECONDS", 30),
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("SYNC_BASE_URL is required")
	}
	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("SYNC_BEARER_TOKEN is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallbackSeconds int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(fallbackSeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
