// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scenarios loads the manifest of demo scenarios a session can
// be started against, read from the YAML file named by the broker's
// ScenariosPath configuration option (spec.md's EXTERNAL INTERFACES
// section lists "Scenarios path" among the recognized options, and
// GET /platforms reports "available scenarios").
package scenarios

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/demo-session-broker/pkg/config"
	"github.com/stacklok/demo-session-broker/pkg/errors"
)

// Scenario is one named demo configuration: which platform it
// exercises and an optional container image. The broker only reports
// scenarios through GET /platforms; it does not route on Platform and
// does not spawn Image — every session runs the configured
// ContainerImage.
type Scenario struct {
	ID       string          `yaml:"id"`
	Label    string          `yaml:"label"`
	Platform config.Platform `yaml:"platform"`
	Image    string          `yaml:"image,omitempty"`
}

// manifest is the on-disk shape of the scenarios file.
type manifest struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Load reads and validates the scenario manifest at path. An empty
// path is not an error: it means no scenarios file was configured, and
// Load returns no scenarios.
func Load(path string) ([]Scenario, error) {
	if path == "" {
		return nil, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrFileError, fmt.Sprintf("failed to read scenarios file %q", path), err)
	}
	var m manifest
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return nil, errors.New(errors.ErrInvalidConfig, fmt.Sprintf("malformed scenarios file %q", path), err)
	}
	seen := make(map[string]bool, len(m.Scenarios))
	for _, s := range m.Scenarios {
		if s.ID == "" {
			return nil, errors.New(errors.ErrInvalidConfig, "scenario entry missing id", nil)
		}
		if seen[s.ID] {
			return nil, errors.New(errors.ErrInvalidConfig, fmt.Sprintf("duplicate scenario id %q", s.ID), nil)
		}
		seen[s.ID] = true
	}
	sort.Slice(m.Scenarios, func(i, j int) bool { return m.Scenarios[i].ID < m.Scenarios[j].ID })
	return m.Scenarios, nil
}
