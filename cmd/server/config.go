package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phosphorvtt/phosphor/internal/server"
)

// roomsFile is the optional YAML file shape for per-room presets:
//
//	default_gm_password: hunter2
//	rooms:
//	  campfire:
//	    gm_password: s3cret
//	    scene: tavern
type roomsFile struct {
	DefaultGMPassword string                       `yaml:"default_gm_password"`
	Rooms             map[string]server.RoomPreset `yaml:"rooms"`
}

func loadRoomsFile(path string) (*roomsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rooms config: %w", err)
	}
	var cfg roomsFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rooms config: %w", err)
	}
	return &cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
