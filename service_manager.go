package nimi

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/weyl-ai/nimi/configdir"
	"github.com/weyl-ai/nimi/logline"
	"github.com/weyl-ai/nimi/subreaper"
)

// ServiceManager drives one service through spawn/monitor/restart. It is
// constructed once per service and its Run loop owns the service's
// entire lifetime.
type ServiceManager struct {
	name     string
	service  Service
	settings Settings
	tempRoot string
	logsDir  string // "" disables file logging
	logger   zerolog.Logger

	restartCount uint
}

// NewServiceManager builds a ServiceManager for one service. The config
// directory is not materialized until the first Run call.
func NewServiceManager(name string, service Service, settings Settings, tempRoot, logsDir string, logger zerolog.Logger) *ServiceManager {
	return &ServiceManager{
		name:     name,
		service:  service,
		settings: settings,
		tempRoot: tempRoot,
		logsDir:  logsDir,
		logger:   logger,
	}
}

// Run materializes the config directory and then drives the
// spawn/monitor/restart state machine until the service terminates
// (policy exhausted, clean exit, or cancellation) or a spawn/I-O failure
// makes the service unrunnable. A non-zero or signaled exit is not
// itself fatal: it is logged by runOnce and handed to evaluateRestart.
// Only an infrastructure failure (spawn, pipe setup, stop) aborts Run.
func (m *ServiceManager) Run(ctx context.Context) error {
	configDir, err := m.materializeConfigDir()
	if err != nil {
		return errorf("service %q: failed to create config directory: %w", m.name, err)
	}

	for {
		exited, err := m.runOnce(ctx, configDir)
		if exited {
			return nil
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return errorf("service %q: %w", m.name, err)
		}

		restart, err := m.evaluateRestart(ctx)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

func (m *ServiceManager) materializeConfigDir() (string, error) {
	entries := make(map[string]configdir.Entry, len(m.service.ConfigData))
	for key, cfg := range m.service.ConfigData {
		entries[key] = configdir.Entry{
			Enable: cfg.Enable,
			Path:   cfg.Path,
			Source: cfg.Source,
			Text:   cfg.Text,
		}
	}
	return configdir.Materialize(m.tempRoot, entries)
}

// runOnce spawns the child once, attaches its loggers, and waits for
// either cancellation or exit. It returns (true, nil) when the service
// has fully terminated (clean exit or cancellation handled). It returns
// (false, err) otherwise: err is a *exec.ExitError when the child ran
// and exited non-zero or was signaled (for Run's restart-policy
// evaluation to consider), or any other error when spawning or stopping
// the child failed outright.
func (m *ServiceManager) runOnce(ctx context.Context, configDir string) (exited bool, err error) {
	cmd, guard, err := m.startChild(configDir)
	if err != nil {
		return false, err
	}
	defer guard.Release()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, errorf("failed to acquire service process stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, errorf("failed to acquire service process stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, errorf("failed to start process for service: %w", err)
	}
	guard.setPid(cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logline.Drain(stdout, m.logger, m.name, logline.Stdout, m.logsDir)
	}()
	go func() {
		defer wg.Done()
		logline.Drain(stderr, m.logger, m.name, logline.Stderr, m.logsDir)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		m.logger.Debug().Msg("received shutdown signal")
		if err := m.stop(cmd, waitDone); err != nil {
			wg.Wait()
			return false, err
		}
		wg.Wait()
		return true, nil

	case waitErr := <-waitDone:
		wg.Wait()
		if waitErr == nil {
			return true, nil
		}
		m.logger.Error().Err(waitErr).Msg("service exited")
		return false, waitErr
	}
}

// startChild prepares the child's command with a cleared environment
// containing only XDG_CONFIG_HOME, pointed at the materialized config
// directory. It does not start the process; runOnce does.
func (m *ServiceManager) startChild(configDir string) (*exec.Cmd, *childHandle, error) {
	argv := m.service.Process.Argv
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = []string{"XDG_CONFIG_HOME=" + configDir}

	return cmd, &childHandle{}, nil
}

// childHandle ties a spawned child's tracked-PID registration to its
// lifetime: set once the pid is known, released once reaped.
type childHandle struct {
	guard subreaper.Guard
}

func (h *childHandle) setPid(pid int) {
	h.guard = subreaper.TrackChild(pid)
}

func (h *childHandle) Release() {
	if h.guard != nil {
		h.guard.Release()
	}
}

// stop implements the graceful-shutdown deadline: SIGTERM, wait up to
// settings.restart.time, then SIGKILL and wait unconditionally.
func (m *ServiceManager) stop(cmd *exec.Cmd, waitDone <-chan error) error {
	if cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil && err != os.ErrProcessDone {
		m.logger.Warn().Err(err).Msg("failed to send SIGTERM")
	}

	deadline := time.NewTimer(m.settings.Restart.Time.Duration())
	defer deadline.Stop()

	select {
	case <-waitDone:
		return nil
	case <-deadline.C:
	}

	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		m.logger.Warn().Err(err).Msg("failed to send SIGKILL")
	}
	<-waitDone
	return nil
}

// evaluateRestart applies the restart policy to a non-zero exit. It
// returns (true, nil) when the service should be respawned, (false, nil)
// when restarts are exhausted or cancellation aborted the delay.
func (m *ServiceManager) evaluateRestart(ctx context.Context) (bool, error) {
	switch m.settings.Restart.Mode {
	case RestartNever:
		m.logger.Info().Msg("not restarting (mode: never)")
		return false, nil

	case RestartUpToCount:
		if m.restartCount >= m.settings.Restart.Count {
			m.logger.Info().Uint("count", m.restartCount).Msg("not restarting, restart count exhausted")
			return false, nil
		}
		m.restartCount++
		m.logger.Info().Uint("count", m.restartCount).Msg("restarting (mode: up-to-count)")

	case RestartAlways:
		m.logger.Info().Msg("restarting (mode: always)")

	default:
		return false, nil
	}

	return m.delay(ctx)
}

// delay sleeps for settings.restart.time, aborting early on cancellation.
func (m *ServiceManager) delay(ctx context.Context) (bool, error) {
	timer := time.NewTimer(m.settings.Restart.Time.Duration())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		m.logger.Info().Msg("received shutdown during restart delay")
		return false, nil
	case <-timer.C:
		return true, nil
	}
}
