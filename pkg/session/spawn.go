// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	brokererrors "github.com/stacklok/demo-session-broker/pkg/errors"
)

// Process is a running child, the terminal multiplexer spec.md §2
// treats as out of scope beyond spawn/watch/kill.
type Process interface {
	Pid() int
	// Wait blocks until the child exits and returns its exit error (nil
	// on a clean exit). Safe to call from exactly one goroutine.
	Wait() error
	// Kill terminates the child. Idempotent.
	Kill() error
}

// Spawner starts the per-session child process against a materialized
// env file and returns a handle to it.
type Spawner interface {
	Spawn(ctx context.Context, sessionID, envFilePath string) (Process, error)
}

// ptyProcess wraps an *exec.Cmd started over a pty.
type ptyProcess struct {
	cmd *exec.Cmd
	pty *os.File
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.pty.Close()
	return err
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// ContainerSpawner launches the configured container image as a
// terminal multiplexer over a pty, the way an interactive session
// launcher front-ends a shell: `docker run` inherits the pty as its
// controlling terminal so the child's own terminal UI renders exactly
// as it would in a real console.
type ContainerSpawner struct {
	image string
}

// NewContainerSpawner builds a ContainerSpawner for the given image.
func NewContainerSpawner(image string) *ContainerSpawner {
	return &ContainerSpawner{image: image}
}

func (s *ContainerSpawner) Spawn(ctx context.Context, sessionID, envFilePath string) (Process, error) {
	if s.image == "" {
		return nil, brokererrors.New(brokererrors.ErrSessionSpawnFailed, "no container image configured", nil)
	}
	cmd := exec.CommandContext(ctx, "docker", "run",
		"--rm",
		"--name", "demo-session-"+sessionID,
		"--env-file", envFilePath,
		s.image,
	)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, brokererrors.New(brokererrors.ErrSessionSpawnFailed, "failed to start session container", err)
	}
	return &ptyProcess{cmd: cmd, pty: f}, nil
}
