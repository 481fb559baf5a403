/*
 * Copyright 2025 The City of Light Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package launcher starts and supervises an external simulator executable so
// a consumer can bring up its own producer process. The child is tied to the
// parent's lifetime where the platform supports it.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Options configures a simulator launch.
type Options struct {
	// ExePath is the simulator executable.
	ExePath string

	// SegmentName is passed through as the shared segment name.
	SegmentName string

	// Headless launches without a display (batch mode).
	Headless bool

	// LogFile receives the child's own log output. Empty disables it.
	LogFile string

	// ExtraArgs are appended verbatim after the standard arguments.
	ExtraArgs []string

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// Logger receives launch diagnostics; nil means no logging.
	Logger *zap.Logger
}

func (o *Options) applyDefaults() error {
	if o.ExePath == "" {
		return fmt.Errorf("launcher: empty executable path")
	}
	if o.SegmentName == "" {
		return fmt.Errorf("launcher: empty segment name")
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// buildArgs assembles the child's argument list.
func buildArgs(o Options) []string {
	args := []string{"-segment", o.SegmentName}
	if o.Headless {
		args = append(args, "-batchmode", "-nographics")
	}
	if o.LogFile != "" {
		args = append(args, "-logFile", o.LogFile)
	}
	return append(args, o.ExtraArgs...)
}

// Process is a launched simulator child.
type Process struct {
	cmd     *exec.Cmd
	log     *zap.Logger
	done    chan struct{}
	waitErr error
}

// Start launches the simulator executable and begins supervising it.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(opts.ExePath); err != nil {
		return nil, fmt.Errorf("launcher: %w", err)
	}

	cmd := exec.CommandContext(ctx, opts.ExePath, buildArgs(opts)...)
	setChildDeathSignal(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: start %s: %w", opts.ExePath, err)
	}
	p := &Process{cmd: cmd, log: opts.Logger, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.log.Info("simulator launched",
		zap.String("exe", opts.ExePath),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("headless", opts.Headless))
	return p, nil
}

// PID returns the child process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Wait blocks until the child exits. Safe to call repeatedly.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Exited reports whether the child has already exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop terminates the child: SIGTERM first, SIGKILL after the grace window.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if err := terminate(p.cmd); err != nil {
		p.log.Warn("terminate failed, killing", zap.Error(err))
		_ = p.cmd.Process.Kill()
		return p.Wait()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		p.log.Warn("simulator ignored terminate, killing",
			zap.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()
		return p.Wait()
	}
}
