// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/oauth2"

	"github.com/stacklok/demo-session-broker/pkg/config"
	brokererrors "github.com/stacklok/demo-session-broker/pkg/errors"
)

// EnvWriter materializes the per-session credential file described in
// spec.md §4.5: one KEY=value line per configured platform credential
// plus the Claude auth token, mode 0600, named by session id under the
// configured host path.
type EnvWriter struct {
	hostPath string
	creds    map[config.Platform]map[string]string
	tokens   oauth2.TokenSource
}

// NewEnvWriter builds an EnvWriter from the broker configuration. tokens
// supplies the Claude/Anthropic auth material as an oauth2.TokenSource;
// the broker wires a static source, so the auth token is never
// refreshed, and a refreshing source could be passed without changing
// this writer.
func NewEnvWriter(cfg *config.Config, tokens oauth2.TokenSource) *EnvWriter {
	return &EnvWriter{
		hostPath: cfg.SessionEnvHostPath,
		creds:    cfg.PlatformCredentials,
		tokens:   tokens,
	}
}

// Path returns the env file path for sessionID without writing it.
func (w *EnvWriter) Path(sessionID string) string {
	return filepath.Join(w.hostPath, sessionID)
}

// Write materializes the env file for sessionID and returns its path.
func (w *EnvWriter) Write(sessionID string) (string, error) {
	if err := os.MkdirAll(w.hostPath, 0o700); err != nil {
		return "", brokererrors.New(brokererrors.ErrFileError, "failed to create session env directory", err)
	}

	lines := make([]string, 0, 8)

	tok, err := w.tokens.Token()
	if err != nil {
		return "", brokererrors.New(brokererrors.ErrFileError, "failed to obtain auth token", err)
	}
	if tok.AccessToken != "" {
		lines = append(lines, fmt.Sprintf("CLAUDE_CODE_OAUTH_TOKEN=%s", tok.AccessToken))
	}

	// Platforms are iterated in sorted order so the file is deterministic
	// across writes, which keeps tests and diffs stable.
	platforms := make([]string, 0, len(w.creds))
	for p := range w.creds {
		platforms = append(platforms, string(p))
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fields := w.creds[config.Platform(p)]
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s_%s=%s", toUpper(p), k, fields[k]))
		}
	}

	path := w.Path(sessionID)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", brokererrors.New(brokererrors.ErrFileError, "failed to write session env file", err)
	}
	return path, nil
}

// Remove deletes the env file for sessionID. Removing a file that is
// already gone is not an error: teardown always attempts removal
// regardless of how the session ended.
func (w *EnvWriter) Remove(sessionID string) error {
	if err := os.Remove(w.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return brokererrors.New(brokererrors.ErrFileError, "failed to remove session env file", err)
	}
	return nil
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// NewAuthTokenSource builds the oauth2.TokenSource backing the env
// writer from the broker configuration: the Claude OAuth token takes
// precedence over a raw Anthropic API key when both are set.
func NewAuthTokenSource(cfg *config.Config) oauth2.TokenSource {
	val := cfg.ClaudeOAuthToken
	if val == "" {
		val = cfg.AnthropicAPIKey
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: val})
}
