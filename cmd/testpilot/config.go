// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/testpilot/services/verifier"
)

// defaultConfigFile is read from the working directory when --config is
// not given. Its absence is not an error.
const defaultConfigFile = "testpilot.yaml"

// fileConfig is the YAML config file. Zero values mean "not set".
type fileConfig struct {
	Provider         string   `yaml:"provider" validate:"omitempty,oneof=openai anthropic gemini ollama"`
	Model            string   `yaml:"model"`
	Mode             string   `yaml:"mode" validate:"omitempty,oneof=basic enhanced integration"`
	MaxAttempts      int      `yaml:"max_attempts" validate:"gte=0,lte=20"`
	QualityThreshold *float64 `yaml:"quality_threshold" validate:"omitempty,gte=0,lte=1"`
	OutputDir        string   `yaml:"output_dir"`

	Quality struct {
		Weights         *verifier.Weights `yaml:"weights"`
		PenaltyPerIssue *float64          `yaml:"penalty_per_issue" validate:"omitempty,gte=0,lte=1"`
	} `yaml:"quality"`

	Execution struct {
		Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
		Isolation string        `yaml:"isolation" validate:"omitempty,oneof=auto bwrap unshare none"`
	} `yaml:"execution"`

	Cache struct {
		Dir string        `yaml:"dir"`
		TTL time.Duration `yaml:"ttl" validate:"gte=0"`
	} `yaml:"cache"`

	Triage struct {
		Repo      string   `yaml:"repo" validate:"omitempty,contains=/"`
		Labels    []string `yaml:"labels" validate:"dive,required"`
		Assignees []string `yaml:"assignees" validate:"dive,required"`
	} `yaml:"triage"`

	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
		Burst             int     `yaml:"burst" validate:"gte=0"`
	} `yaml:"rate_limit"`
}

var configValidate = validator.New()

// loadConfig reads path, or defaultConfigFile when path is empty.
//
// Outputs:
//
//	*fileConfig - The decoded config. Empty when no file exists and none
//	              was requested explicitly.
//	error - Wraps errConfig for unreadable, unknown-field, or invalid
//	        files.
func loadConfig(path string) (*fileConfig, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &fileConfig{}, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", errConfig, path, err)
	}
	return parseConfig(path, raw)
}

func parseConfig(path string, raw []byte) (*fileConfig, error) {
	cfg := &fileConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing %s: %v", errConfig, path, err)
	}
	if err := configValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errConfig, path, err)
	}
	if w := cfg.Quality.Weights; w != nil && w.Sum() <= 0 {
		return nil, fmt.Errorf("%w: %s: quality.weights must have a positive sum", errConfig, path)
	}
	return cfg, nil
}
