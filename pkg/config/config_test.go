// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/demo-session-broker/pkg/errors"
)

func setMinimalValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_SECRET", "s3cr3t")
	t.Setenv("CLAUDE_OAUTH_TOKEN", "tok")
	t.Setenv("ENABLED_PLATFORMS", "jira,confluence")
	t.Setenv("JIRA_TOKEN", "jira-tok")
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	setMinimalValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.Equal(t, 60, cfg.SessionTimeoutMinutes)
	assert.Equal(t, 10, cfg.MaxQueueSize)
	assert.ElementsMatch(t, []Platform{PlatformJira, PlatformConfluence}, cfg.EnabledPlatforms)
	assert.Equal(t, "jira-tok", cfg.PlatformCredentials[PlatformJira]["TOKEN"])
}

func TestLoad_MissingSessionSecret(t *testing.T) {
	t.Setenv("CLAUDE_OAUTH_TOKEN", "tok")
	t.Setenv("ENABLED_PLATFORMS", "jira")

	_, err := Load()
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrInvalidConfig, e.Type)
}

func TestLoad_NoAuthMaterial(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cr3t")
	t.Setenv("ENABLED_PLATFORMS", "jira")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLAUDE_OAUTH_TOKEN")
}

func TestLoad_NoPlatformsEnabled(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cr3t")
	t.Setenv("CLAUDE_OAUTH_TOKEN", "tok")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid platforms")
}

func TestLoad_UnknownPlatform(t *testing.T) {
	setMinimalValidEnv(t)
	t.Setenv("ENABLED_PLATFORMS", "jira,carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoad_InvalidQueueSize(t *testing.T) {
	setMinimalValidEnv(t)
	t.Setenv("MAX_QUEUE_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max queue size")
}

func TestLoad_InvalidSessionTimeout(t *testing.T) {
	setMinimalValidEnv(t)
	t.Setenv("SESSION_TIMEOUT_MINUTES", "2000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session timeout")
}

func TestLoad_MalformedBaseURL(t *testing.T) {
	setMinimalValidEnv(t)
	t.Setenv("BASE_URL", "not-a-url")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base URL")
}

func TestLoad_UnknownEnvironmentMode(t *testing.T) {
	setMinimalValidEnv(t)
	t.Setenv("ENVIRONMENT", "staging")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment mode")
}

func TestDurationHelpers(t *testing.T) {
	setMinimalValidEnv(t)
	t.Setenv("SESSION_TIMEOUT_MINUTES", "5")
	t.Setenv("DISCONNECT_GRACE_MS", "2500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5m0s", cfg.SessionTimeout().String())
	assert.Equal(t, "2.5s", cfg.DisconnectGrace().String())
}
