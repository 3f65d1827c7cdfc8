package nimi

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/weyl-ai/nimi/logline"
	nimilog "github.com/weyl-ai/nimi/pkg/log"
	"github.com/weyl-ai/nimi/subreaper"
)

// ProcessManager is the session orchestrator: it owns the optional
// startup hook, one ServiceManager per declared service, signal
// handling, and the shutdown fan-out.
type ProcessManager struct {
	services map[string]Service
	settings Settings
	logger   zerolog.Logger
	tempRoot string
}

// NewProcessManager builds a ProcessManager for the given manifest
// contents. tempRoot is where config directories are materialized
// (typically os.TempDir()).
func NewProcessManager(services map[string]Service, settings Settings, logger zerolog.Logger, tempRoot string) *ProcessManager {
	return &ProcessManager{
		services: services,
		settings: settings,
		logger:   logger,
		tempRoot: tempRoot,
	}
}

// Run executes the full session: startup hook, service fan-out, signal
// handling, and completion aggregation. An empty service map is a no-op
// success.
func (pm *ProcessManager) Run(ctx context.Context) error {
	if len(pm.services) == 0 {
		return nil
	}

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := installShutdown(rootCtx, cancel)

	logsDir, err := pm.resolveLogsDir()
	if err != nil {
		return errorf("failed to prepare logs directory: %w", err)
	}

	if hook := pm.settings.Startup.RunOnStartup; hook != nil && *hook != "" {
		if err := pm.runStartupHook(rootCtx, *hook, logsDir); err != nil {
			return errorf("startup: %w", err)
		}
		if rootCtx.Err() != nil {
			// Cancelled during the startup hook: no services start,
			// shutdown is still a successful outcome.
			return nil
		}
	}

	group, groupCtx := errgroup.WithContext(rootCtx)
	for name, svc := range pm.services {
		name, svc := name, svc
		group.Go(func() error {
			sm := NewServiceManager(name, svc, pm.settings, pm.tempRoot, logsDir, nimilog.Target(pm.logger, name))
			return sm.Run(groupCtx)
		})
	}

	err = group.Wait()

	if token.Signalled() {
		return nil
	}
	return err
}

// resolveLogsDir materializes "<cwd>/<logsDir>/logs-<n>/" where n is the
// smallest non-negative integer for which the directory did not already
// exist. It returns "" when file logging is disabled.
func (pm *ProcessManager) resolveLogsDir() (string, error) {
	base, ok := pm.settings.Logging.LogsDirectory()
	if !ok {
		return "", nil
	}

	if !filepath.IsAbs(base) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve working directory: %w", err)
		}
		base = filepath.Join(cwd, base)
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("failed to create logs base directory %q: %w", base, err)
	}

	for n := 0; ; n++ {
		candidate := filepath.Join(base, fmt.Sprintf("logs-%d", n))
		if err := os.Mkdir(candidate, 0o755); err == nil {
			return candidate, nil
		} else if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create logs directory %q: %w", candidate, err)
		}
	}
}

// runStartupHook runs settings.startup.runOnStartup synchronously
// before any service is spawned. A non-zero exit or spawn failure is
// fatal. Cancellation during the hook applies the same graceful
// TERM-then-KILL sequence as a ServiceManager's stop path.
func (pm *ProcessManager) runStartupHook(ctx context.Context, path, logsDir string) error {
	cmd := exec.Command(path)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errorf("failed to acquire startup hook stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errorf("failed to acquire startup hook stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return errorf("failed to start startup hook %q: %w", path, err)
	}
	guard := subreaper.TrackChild(cmd.Process.Pid)
	defer guard.Release()

	logger := nimilog.Target(pm.logger, "startup")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logline.Drain(stdout, logger, "startup", logline.Stdout, logsDir)
	}()
	go func() {
		defer wg.Done()
		logline.Drain(stderr, logger, "startup", logline.Stderr, logsDir)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		pm.stopStartupHook(cmd, waitDone, logger)
		wg.Wait()
		return nil

	case err := <-waitDone:
		wg.Wait()
		if err != nil {
			return errorf("startup hook %q exited with error: %w", path, err)
		}
		return nil
	}
}

func (pm *ProcessManager) stopStartupHook(cmd *exec.Cmd, waitDone <-chan error, logger zerolog.Logger) {
	if cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil && err != os.ErrProcessDone {
		logger.Warn().Err(err).Msg("failed to send SIGTERM to startup hook")
	}

	timer := time.NewTimer(pm.settings.Restart.Time.Duration())
	defer timer.Stop()

	select {
	case <-waitDone:
		return
	case <-timer.C:
	}

	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		logger.Warn().Err(err).Msg("failed to send SIGKILL to startup hook")
	}
	<-waitDone
}
