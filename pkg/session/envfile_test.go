// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/demo-session-broker/pkg/config"
)

func TestEnvWriter_WriteAndRemove(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cfg := &config.Config{
		SessionEnvHostPath: dir,
		PlatformCredentials: map[config.Platform]map[string]string{
			config.PlatformJira: {"TOKEN": "secret-token", "BASE_URL": "https://jira.example.com"},
		},
	}
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "claude-token-123"})
	w := NewEnvWriter(cfg, tokens)

	path, err := w.Write("session-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "session-1"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "CLAUDE_CODE_OAUTH_TOKEN=claude-token-123\n")
	assert.Contains(t, string(content), "JIRA_BASE_URL=https://jira.example.com\n")
	assert.Contains(t, string(content), "JIRA_TOKEN=secret-token\n")

	require.NoError(t, w.Remove("session-1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEnvWriter_RemoveMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &config.Config{SessionEnvHostPath: dir}
	w := NewEnvWriter(cfg, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}))
	assert.NoError(t, w.Remove("never-written"))
}

func TestNewAuthTokenSource_PrefersOAuthToken(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{ClaudeOAuthToken: "oauth-tok", AnthropicAPIKey: "api-key"}
	tok, err := NewAuthTokenSource(cfg).Token()
	require.NoError(t, err)
	assert.Equal(t, "oauth-tok", tok.AccessToken)
}

func TestNewAuthTokenSource_FallsBackToAPIKey(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{AnthropicAPIKey: "api-key"}
	tok, err := NewAuthTokenSource(cfg).Token()
	require.NoError(t, err)
	assert.Equal(t, "api-key", tok.AccessToken)
}
